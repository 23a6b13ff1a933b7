package httpapi

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/voicerelay/internal/profile"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Relay conversationRelay `xml:"ConversationRelay"`
}

type conversationRelay struct {
	URL             string `xml:"url,attr"`
	WelcomeGreeting string `xml:"welcomeGreeting,attr,omitempty"`
	Voice           string `xml:"voice,attr,omitempty"`
}

// handleTwiML answers the Twilio voice webhook with a ConversationRelay
// connect verb pointing back at this service.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessionKey := strings.TrimSpace(r.FormValue("sessionKey"))
	p := s.profileFor(r, sessionKey)

	relayURL, err := s.relayURL(r, sessionKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "invalid_relay_url", err.Error())
		return
	}

	body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Relay: conversationRelay{
		URL:             relayURL,
		WelcomeGreeting: p.Greeting,
		Voice:           p.Voice,
	}}})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_encode_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (s *Server) profileFor(r *http.Request, sessionKey string) profile.Profile {
	fallback := s.defaultProfile.Clone()
	if sessionKey == "" || s.profiles == nil {
		return fallback
	}
	p, err := s.profiles.Lookup(r.Context(), sessionKey)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			s.logger.Error("twiml profile lookup failed", "session_key", sessionKey, "err", err)
		}
		return fallback
	}
	return p.Overlay(fallback)
}

// relayURL returns the websocket URL the edge should dial, carrying the
// session key as a query parameter.
func (s *Server) relayURL(r *http.Request, sessionKey string) (string, error) {
	base := strings.TrimSpace(s.cfg.PublicRelayURL)
	if base == "" {
		scheme := "ws"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "wss"
		}
		base = scheme + "://" + r.Host + "/v1/relay"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if sessionKey != "" {
		q := u.Query()
		q.Set("sessionKey", sessionKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
