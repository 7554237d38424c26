// Package message defines the wire envelope exchanged between entities.
//
// A Message is a tagged union of request and response kinds. The payload
// carried by action requests and responses is opaque to the exchange:
// encoding of arguments and results is delegated to the caller, keeping
// the transport independent of user types.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/academy-project/academy/identity"
)

// Kind discriminates the message union.
type Kind string

const (
	KindActionRequest  Kind = "action-request"
	KindActionResponse Kind = "action-response"
	KindPingRequest    Kind = "ping-request"
	KindPingResponse   Kind = "ping-response"
	KindShutdown       Kind = "shutdown-request"
)

// Valid reports whether the kind is one of the known values.
func (k Kind) Valid() bool {
	switch k {
	case KindActionRequest, KindActionResponse, KindPingRequest,
		KindPingResponse, KindShutdown:
		return true
	}
	return false
}

// IsRequest reports whether a message of this kind expects a response.
func (k Kind) IsRequest() bool {
	return k == KindActionRequest || k == KindPingRequest || k == KindShutdown
}

// IsResponse reports whether a message of this kind resolves a pending
// request.
func (k Kind) IsResponse() bool {
	return k == KindActionResponse || k == KindPingResponse
}

// Message is the envelope routed through an exchange.
//
// Tag is the correlation id: a response carries the tag of the request it
// answers, and every pending call at the source is keyed by it. Tags are
// unique per request within the lifetime of the issuing client.
type Message struct {
	Kind Kind              `json:"kind"`
	Tag  uuid.UUID         `json:"tag"`
	Src  identity.EntityID `json:"src"`
	Dest identity.EntityID `json:"dest"`

	// Action names the invoked action for action requests and responses.
	Action string `json:"action,omitempty"`
	// Payload holds the serialized arguments of an action request or the
	// serialized result of a successful action response.
	Payload []byte `json:"payload,omitempty"`
	// Error carries the description of a remote failure on an action
	// response. A response has either a Payload or an Error, never both.
	Error string `json:"error,omitempty"`
	// Code classifies the failure carried by Error.
	Code string `json:"code,omitempty"`
	// Terminate optionally overrides the runtime's mailbox-termination
	// policy on a shutdown request.
	Terminate *bool `json:"terminate,omitempty"`
}

// NewActionRequest builds an action request with a fresh correlation tag.
func NewActionRequest(src, dest identity.EntityID, action string, payload []byte) Message {
	return Message{
		Kind:    KindActionRequest,
		Tag:     uuid.New(),
		Src:     src,
		Dest:    dest,
		Action:  action,
		Payload: payload,
	}
}

// NewPingRequest builds a ping request with a fresh correlation tag.
func NewPingRequest(src, dest identity.EntityID) Message {
	return Message{Kind: KindPingRequest, Tag: uuid.New(), Src: src, Dest: dest}
}

// NewShutdownRequest builds a shutdown request. Shutdown requests are
// fire-and-forget: no response is ever sent for them.
func NewShutdownRequest(src, dest identity.EntityID, terminate *bool) Message {
	return Message{
		Kind:      KindShutdown,
		Tag:       uuid.New(),
		Src:       src,
		Dest:      dest,
		Terminate: terminate,
	}
}

// Response constructs the reply to a request, preserving the correlation
// tag and swapping source and destination. For action requests the reply
// carries the serialized result.
func (m Message) Response(result []byte) Message {
	kind := KindActionResponse
	if m.Kind == KindPingRequest {
		kind = KindPingResponse
	}
	return Message{
		Kind:    kind,
		Tag:     m.Tag,
		Src:     m.Dest,
		Dest:    m.Src,
		Action:  m.Action,
		Payload: result,
	}
}

// Failure codes carried on error responses.
const (
	// CodeActionError indicates the remote action itself failed.
	CodeActionError = "action-error"
	// CodeTerminated indicates the destination mailbox terminated before
	// the request could be served.
	CodeTerminated = "terminated"
	// CodeCancelled indicates the action was cancelled by a runtime
	// shutdown while executing.
	CodeCancelled = "cancelled"
)

// ErrorResponse constructs a failure reply to a request carrying the
// error's description. The code classifies the failure; see the Code
// constants.
func (m Message) ErrorResponse(code string, err error) Message {
	return Message{
		Kind:   KindActionResponse,
		Tag:    m.Tag,
		Src:    m.Dest,
		Dest:   m.Src,
		Action: m.Action,
		Error:  err.Error(),
		Code:   code,
	}
}

func (m Message) String() string {
	return fmt.Sprintf("Message{%s from %s to %s tag=%s}", m.Kind, m.Src, m.Dest, m.Tag)
}

// Encode serializes the message for transport.
func Encode(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("message: cannot encode unknown kind %q", m.Kind)
	}
	return json.Marshal(m)
}

// Decode reconstructs a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("message: decode: %w", err)
	}
	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("message: decoded unknown kind %q", m.Kind)
	}
	return m, nil
}
