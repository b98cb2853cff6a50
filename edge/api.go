// Package edge is public contract of edge module client.
// Implementation lives in internal/edge, alternate transports satisfy Clienter.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/edgemod/edge/transport"
)

type Clienter interface {
	Open(ctx context.Context) error
	Close() error

	SendTelemetry(ctx context.Context, channel string, m *Message) error
	SetInputMessageHandler(input string, h MessageHandler) error
	SetMessageHandler(h MessageHandler) error

	SetMethodHandler(name string, h MethodHandler) error
	SetMethodDefaultHandler(h MethodHandler) error
	InvokeMethod(ctx context.Context, deviceID, moduleID string, req *MethodRequest) (*MethodResponse, error)

	SetDesiredPropertyHandler(DesiredInterest) error
	UpdateReportedProperties(ctx context.Context, delta map[string]interface{}) error

	SetConnectionStatusChangesHandler(StatusHandler)
}

type Property = transport.Property
type Properties = transport.Properties
type ConnectionStatus = transport.Status
type ConnectionReason = transport.Reason

const (
	Connected    = transport.Connected
	Disconnected = transport.Disconnected
)

type StatusHandler func(ConnectionStatus, ConnectionReason)

// Message is telemetry unit. Immutable after SendTelemetry or Enqueue.
type Message struct {
	Payload     []byte
	Properties  Properties
	ContentType string
	// Inbound only.
	Topic string
}

const ContentTypeJSON = "application/json"

func NewMessage(payload []byte) *Message { return &Message{Payload: payload} }

func NewJSONMessage(v interface{}) (*Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "message json")
	}
	return &Message{Payload: b, ContentType: ContentTypeJSON}, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("edge.Message(len=%d ct=%s props=%d)", len(m.Payload), m.ContentType, len(m.Properties))
}

// MessageHandler receives inbound message on named input, "" is default input.
// Error is logged, never returned to sender.
type MessageHandler func(ctx context.Context, input string, m *Message) error

type MethodRequest struct {
	Name    string
	Payload []byte
	Timeout time.Duration // 0 = client default
}

type MethodResponse struct {
	Status  int
	Payload []byte
}

const (
	StatusOK            = 200
	StatusBadRequest    = 400
	StatusNotFound      = 404
	StatusInternalError = 500
	StatusTimeout       = 504
)

func (r *MethodResponse) Success() bool { return r.Status >= 200 && r.Status < 300 }

func Ok(payload []byte) *MethodResponse { return &MethodResponse{Status: StatusOK, Payload: payload} }
func BadRequest(text string) *MethodResponse {
	return &MethodResponse{Status: StatusBadRequest, Payload: []byte(text)}
}
func Error(text string) *MethodResponse {
	return &MethodResponse{Status: StatusInternalError, Payload: []byte(text)}
}

// MethodHandler error is sent to caller as text payload with StatusInternalError,
// or with StatusError.Status when handler returns *StatusError.
type MethodHandler func(ctx context.Context, req *MethodRequest) (*MethodResponse, error)

type StatusError struct {
	Status int
	Err    error
}

func NewStatusError(status int, err error) *StatusError { return &StatusError{Status: status, Err: err} }
func (e *StatusError) Error() string                   { return e.Err.Error() }
func (e *StatusError) StatusCode() int                 { return e.Status }
func (e *StatusError) Unwrap() error                   { return e.Err }

// DesiredHandler gets current property value, present=false means property was deleted.
type DesiredHandler func(ctx context.Context, value json.RawMessage, present bool) error

// DesiredInterest subscribes handler to one desired property or, with empty Property, to whole document.
type DesiredInterest struct {
	Property string
	// Call handler with present=false when property disappears.
	OnDelete bool
	Timeout  time.Duration // 0 = client default
	Handle   DesiredHandler
}
