package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk YAML layout:
//
//	default:
//	  systemPrompt: ...
//	profiles:
//	  tok_abc:
//	    systemPrompt: You are terse.
//	    credential: sk-...
//	    tools:
//	      - name: lookup_order
//	        parameters: {type: object}
//	        webhookUrl: https://example.test/hook
type fileDocument struct {
	Default  *fileProfile           `yaml:"default"`
	Profiles map[string]fileProfile `yaml:"profiles"`
}

type fileProfile struct {
	SystemPrompt string `yaml:"systemPrompt"`
	Greeting     string `yaml:"greeting"`
	Voice        string `yaml:"voice"`
	Credential   string `yaml:"credential"`
	Tools        []any  `yaml:"tools"`
}

// FileStore serves profiles from a YAML document loaded at startup.
type FileStore struct {
	*MemoryStore
	fallback    Profile
	hasFallback bool
}

func LoadFile(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	return ParseFile(raw)
}

func ParseFile(raw []byte) (*FileStore, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles yaml: %w", err)
	}

	store := &FileStore{MemoryStore: NewMemoryStore()}
	for key, fp := range doc.Profiles {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("profiles: empty session key")
		}
		p, err := fp.toProfile(key)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", key, err)
		}
		store.Put(p)
	}
	if doc.Default != nil {
		p, err := doc.Default.toProfile("")
		if err != nil {
			return nil, fmt.Errorf("default profile: %w", err)
		}
		store.fallback = p
		store.hasFallback = true
	}
	return store, nil
}

// Default returns the document's default profile, if one was declared.
func (s *FileStore) Default() (Profile, bool) {
	return s.fallback.Clone(), s.hasFallback
}

func (fp fileProfile) toProfile(key string) (Profile, error) {
	p := Profile{
		SessionKey:   key,
		SystemPrompt: strings.TrimSpace(fp.SystemPrompt),
		Greeting:     strings.TrimSpace(fp.Greeting),
		Voice:        strings.TrimSpace(fp.Voice),
		Credential:   strings.TrimSpace(fp.Credential),
	}
	if len(fp.Tools) == 0 {
		return p, nil
	}
	// yaml.v3 decodes mappings as map[string]any, which re-encodes as JSON.
	raw, err := json.Marshal(fp.Tools)
	if err != nil {
		return Profile{}, fmt.Errorf("encode tools: %w", err)
	}
	tools, err := NormalizeTools(raw)
	if err != nil {
		return Profile{}, err
	}
	p.Tools = tools
	return p, nil
}
