// Package mutation defines the closed set of offline-queueable operations
// and their typed payloads. The dispatcher switches exhaustively over Type,
// so adding an operation means adding a payload struct, a Decode case, and
// a dispatch case.
package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownOperation marks a mutation whose op type has no dispatch
// mapping. This is a programmer error, not a network condition; it must
// never consume retry attempts.
var ErrUnknownOperation = errors.New("unknown operation type")

// Type tags a queued mutation with the network call it replays.
type Type string

const (
	TypeQRScan           Type = "qr_scan"
	TypeCreateConnection Type = "create_connection"
	TypeMessage          Type = "message"
	TypeRSVP             Type = "rsvp"
	TypeRSVPDelete       Type = "rsvp_delete"
	TypeConnectionNote   Type = "connection_note"
	TypeConnectionUpdate Type = "connection_update"
)

// Types lists every known operation type.
func Types() []Type {
	return []Type{
		TypeQRScan,
		TypeCreateConnection,
		TypeMessage,
		TypeRSVP,
		TypeRSVPDelete,
		TypeConnectionNote,
		TypeConnectionUpdate,
	}
}

// Known reports whether t is part of the closed operation set.
func Known(t Type) bool {
	switch t {
	case TypeQRScan, TypeCreateConnection, TypeMessage, TypeRSVP,
		TypeRSVPDelete, TypeConnectionNote, TypeConnectionUpdate:
		return true
	}
	return false
}

// QRScanPayload creates a connection from a scanned attendee badge.
type QRScanPayload struct {
	ScannedUserID string `json:"scanned_user_id"`
	EventID       string `json:"event_id,omitempty"`
}

// CreateConnectionPayload creates a connection directly.
type CreateConnectionPayload struct {
	TargetUserID string `json:"target_user_id"`
	EventID      string `json:"event_id,omitempty"`
}

// MessagePayload sends one message into a conversation.
type MessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// RSVPPayload creates an RSVP for a session.
type RSVPPayload struct {
	SessionID string `json:"session_id"`
}

// RSVPDeletePayload removes an RSVP by id.
type RSVPDeletePayload struct {
	RSVPID string `json:"rsvp_id"`
}

// ConnectionNotePayload partial-updates a connection's note field.
type ConnectionNotePayload struct {
	ConnectionID string `json:"connection_id"`
	Note         string `json:"note"`
}

// ConnectionUpdatePayload partial-updates arbitrary connection fields.
// Fields are passed through to the server as-is.
type ConnectionUpdatePayload struct {
	ConnectionID string         `json:"connection_id"`
	Fields       map[string]any `json:"fields"`
}

// Decode parses raw payload JSON into the typed payload for t. It returns
// ErrUnknownOperation for a type outside the closed set.
func Decode(t Type, payloadJSON string) (any, error) {
	var (
		v   any
		err error
	)
	switch t {
	case TypeQRScan:
		v, err = decodeAs[QRScanPayload](payloadJSON)
	case TypeCreateConnection:
		v, err = decodeAs[CreateConnectionPayload](payloadJSON)
	case TypeMessage:
		v, err = decodeAs[MessagePayload](payloadJSON)
	case TypeRSVP:
		v, err = decodeAs[RSVPPayload](payloadJSON)
	case TypeRSVPDelete:
		v, err = decodeAs[RSVPDeletePayload](payloadJSON)
	case TypeConnectionNote:
		v, err = decodeAs[ConnectionNotePayload](payloadJSON)
	case TypeConnectionUpdate:
		v, err = decodeAs[ConnectionUpdatePayload](payloadJSON)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", t, err)
	}
	return v, nil
}

func decodeAs[P any](payloadJSON string) (P, error) {
	var p P
	err := json.Unmarshal([]byte(payloadJSON), &p)
	return p, err
}

// Encode marshals a typed payload for storage.
func Encode(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling payload: %w", err)
	}
	return string(data), nil
}
