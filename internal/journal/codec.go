package journal

import (
	"encoding/json"
	"fmt"
)

func marshalParams(params map[string]string) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode custom parameters: %w", err)
	}
	return raw, nil
}

func unmarshalParams(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode custom parameters: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// marshalMetadata returns nil for empty metadata so the column stays NULL.
func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode turn metadata: %w", err)
	}
	return raw, nil
}

func unmarshalMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode turn metadata: %w", err)
	}
	return out, nil
}
