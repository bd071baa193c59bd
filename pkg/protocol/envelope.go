// Package protocol defines the signed wire envelope exchanged on the bus,
// the in-process Result it projects to, the closed operation set and the
// typed error taxonomy.
package protocol

import (
	"encoding/json"
	"errors"
)

// Kind distinguishes the envelope shapes sharing one wire struct.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
	KindSignal   Kind = "signal"
)

// Envelope is the unit published on the bus. Once signed it must not be
// mutated; any change invalidates Sig.
type Envelope struct {
	V     string          `json:"v"`
	Kind  Kind            `json:"kind"`
	ID    string          `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Actor string          `json:"actor,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	// Enc names the compression applied to Data ("" when Data is plain JSON).
	Enc   string       `json:"enc,omitempty"`
	Ok    *bool        `json:"ok,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
	Ts    int64        `json:"ts"`
	Nonce string       `json:"nonce,omitempty"`
	Sig   string       `json:"sig,omitempty"`
}

// ErrorDetail is the wire form of a typed error.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Err converts the wire detail back into a typed error.
func (d *ErrorDetail) Err() *Error {
	if d == nil {
		return nil
	}
	return &Error{Code: d.Code, Message: d.Message, Retryable: d.Retryable}
}

var (
	errMissingID      = errors.New("protocol: envelope id is required")
	errMissingOp      = errors.New("protocol: envelope op is required")
	errRequestOutcome = errors.New("protocol: request envelope must not carry ok/error")
	errResponseNoOk   = errors.New("protocol: response envelope must carry ok")
	errFailedNoError  = errors.New("protocol: failed response must carry error")
	errUnknownKind    = errors.New("protocol: unknown envelope kind")
)

// NewRequest builds an unsigned request envelope.
func NewRequest(id, op, actor string, data json.RawMessage) *Envelope {
	return &Envelope{V: Version, Kind: KindRequest, ID: id, Op: op, Actor: actor, Data: data}
}

// NewResponse projects a Result onto an unsigned response envelope that
// reuses the request's correlation id.
func NewResponse(id string, res Result) *Envelope {
	ok := res.Ok
	env := &Envelope{V: Version, Kind: KindResponse, ID: id, Ok: &ok, Data: res.Data}
	if !ok && res.Error != nil {
		detail := *res.Error
		env.Error = &detail
	}
	return env
}

// NewEvent builds an unsigned event envelope; Op carries the event type.
func NewEvent(eventType, actor string, data json.RawMessage) *Envelope {
	return &Envelope{V: Version, Kind: KindEvent, Op: eventType, Actor: actor, Data: data}
}

// NewSignal builds an unsigned free-form bus envelope; Op carries the topic.
func NewSignal(topic, actor string, data json.RawMessage) *Envelope {
	return &Envelope{V: Version, Kind: KindSignal, Op: topic, Actor: actor, Data: data}
}

// Result projects a response envelope back onto its in-process Result.
func (e *Envelope) Result() Result {
	res := Result{Data: e.Data}
	if e.Ok != nil {
		res.Ok = *e.Ok
	}
	if e.Error != nil {
		detail := *e.Error
		res.Error = &detail
	}
	return res
}

// Validate checks the structural invariants of the envelope's kind.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		if e.ID == "" {
			return errMissingID
		}
		if e.Op == "" {
			return errMissingOp
		}
		if e.Ok != nil || e.Error != nil {
			return errRequestOutcome
		}
	case KindResponse:
		if e.ID == "" {
			return errMissingID
		}
		if e.Ok == nil {
			return errResponseNoOk
		}
		if !*e.Ok && e.Error == nil {
			return errFailedNoError
		}
	case KindEvent, KindSignal:
		if e.Op == "" {
			return errMissingOp
		}
	default:
		return errUnknownKind
	}
	return nil
}
