package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType names a control message variant on the wire.
type MessageType string

const (
	TypeSessionCreated MessageType = "session_created"
	TypeSessionJoined  MessageType = "session_joined"
	TypePeerJoined     MessageType = "peer_joined"
	TypePeerLeft       MessageType = "peer_left"
	TypeError          MessageType = "error"
)

// ControlMessage is one of SessionCreated, SessionJoined, PeerJoined,
// PeerLeft or Error. The set is closed: isControl is unexported.
type ControlMessage interface {
	Type() MessageType
	isControl()
}

// SessionCreated tells an owner its session exists.
type SessionCreated struct {
	JoinCode    string `json:"joinCode"`
	WorkspaceID string `json:"workspaceId"`
}

// SessionJoined tells a guest it joined a session.
type SessionJoined struct {
	JoinCode    string `json:"joinCode"`
	WorkspaceID string `json:"workspaceId"`
}

// PeerJoined tells existing members a guest arrived.
type PeerJoined struct {
	GuestID   string `json:"guestId"`
	PeerCount int    `json:"peerCount"`
}

// PeerLeft tells remaining members a member disconnected.
type PeerLeft struct {
	GuestID   string `json:"guestId"`
	PeerCount int    `json:"peerCount"`
}

// Error reports a refused request.
type Error struct {
	Message string `json:"message"`
}

func (SessionCreated) Type() MessageType { return TypeSessionCreated }
func (SessionJoined) Type() MessageType  { return TypeSessionJoined }
func (PeerJoined) Type() MessageType     { return TypePeerJoined }
func (PeerLeft) Type() MessageType       { return TypePeerLeft }
func (Error) Type() MessageType          { return TypeError }

func (SessionCreated) isControl() {}
func (SessionJoined) isControl()  {}
func (PeerJoined) isControl()     {}
func (PeerLeft) isControl()       {}
func (Error) isControl()          {}

// ErrUnknownType is returned for an envelope whose type is not a known variant.
var ErrUnknownType = errors.New("unknown control message type")

// EncodeControl renders msg as a JSON envelope.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	// Splice the type tag in front of the variant's own fields.
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	tag, _ := json.Marshal(string(msg.Type()))
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1 : len(body)-1])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeControl parses a JSON envelope into its variant. Unknown types,
// unknown fields and missing required fields are errors.
func DecodeControl(data []byte) (ControlMessage, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}

	switch head.Type {
	case TypeSessionCreated:
		var m SessionCreated
		if err := decodeStrict(data, &m); err != nil {
			return nil, err
		}
		if m.JoinCode == "" || m.WorkspaceID == "" {
			return nil, fmt.Errorf("decode %s: joinCode and workspaceId are required", head.Type)
		}
		return m, nil
	case TypeSessionJoined:
		var m SessionJoined
		if err := decodeStrict(data, &m); err != nil {
			return nil, err
		}
		if m.JoinCode == "" || m.WorkspaceID == "" {
			return nil, fmt.Errorf("decode %s: joinCode and workspaceId are required", head.Type)
		}
		return m, nil
	case TypePeerJoined:
		var m PeerJoined
		if err := decodeStrict(data, &m); err != nil {
			return nil, err
		}
		if m.GuestID == "" {
			return nil, fmt.Errorf("decode %s: guestId is required", head.Type)
		}
		return m, nil
	case TypePeerLeft:
		var m PeerLeft
		if err := decodeStrict(data, &m); err != nil {
			return nil, err
		}
		if m.GuestID == "" {
			return nil, fmt.Errorf("decode %s: guestId is required", head.Type)
		}
		return m, nil
	case TypeError:
		var m Error
		if err := decodeStrict(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("decode control message %q: %w", head.Type, ErrUnknownType)
	}
}

// decodeStrict decodes an envelope into dst, allowing only dst's fields
// and the type tag.
func decodeStrict(data []byte, dst ControlMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode %s: %w", dst.Type(), err)
	}
	delete(fields, "type")
	rest, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("decode %s: %w", dst.Type(), err)
	}
	dec := json.NewDecoder(bytes.NewReader(rest))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", dst.Type(), err)
	}
	return nil
}
