package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies ConversationRelay websocket payload variants.
type MessageType string

const (
	TypeSetup     MessageType = "setup"
	TypePrompt    MessageType = "prompt"
	TypeDTMF      MessageType = "dtmf"
	TypeInterrupt MessageType = "interrupt"
	TypeText      MessageType = "text"
	TypeError     MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Setup is sent once by the edge right after the socket opens.
type Setup struct {
	Type             MessageType       `json:"type"`
	SessionID        string            `json:"sessionId,omitempty"`
	CallSID          string            `json:"callSid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Direction        string            `json:"direction"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Prompt carries a finalized caller utterance.
type Prompt struct {
	Type        MessageType `json:"type"`
	VoicePrompt string      `json:"voicePrompt"`
	Lang        string      `json:"lang,omitempty"`
	Last        *bool       `json:"last,omitempty"`
}

type DTMF struct {
	Type  MessageType `json:"type"`
	Digit string      `json:"digit"`
}

type Interrupt struct {
	Type                     MessageType `json:"type"`
	UtteranceUntilInterrupt  string      `json:"utteranceUntilInterrupt"`
	DurationUntilInterruptMs int64       `json:"durationUntilInterruptMs,omitempty"`
}

// Text is a synthesizable assistant utterance sent back to the edge.
type Text struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
	Last  bool        `json:"last"`
}

// Error signals a fatal session error to the edge.
type Error struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

func NewText(token string) Text {
	return Text{Type: TypeText, Token: token, Last: true}
}

func NewError(detail string) Error {
	return Error{Type: TypeError, Error: detail}
}

// ParseInbound decodes one edge message into Setup, Prompt, DTMF or Interrupt.
func ParseInbound(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSetup:
		var msg Setup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePrompt:
		var msg Prompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.VoicePrompt) == "" {
			return nil, errors.New("invalid prompt: empty voicePrompt")
		}
		return msg, nil
	case TypeDTMF:
		var msg DTMF
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Digit == "" {
			return nil, errors.New("invalid dtmf: empty digit")
		}
		return msg, nil
	case TypeInterrupt:
		var msg Interrupt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of a protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Setup:
		return m.Type, true
	case Prompt:
		return m.Type, true
	case DTMF:
		return m.Type, true
	case Interrupt:
		return m.Type, true
	case Text:
		return m.Type, true
	case Error:
		return m.Type, true
	default:
		return "", false
	}
}
