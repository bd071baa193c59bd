package protocol

import (
	"bytes"
	"encoding/json"
)

// Result is the in-process outcome of an operation: what handlers produce,
// what the idempotency store caches and what the client facade resolves to.
type Result struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}

// Success encodes v as the data of a successful result.
func Success(v any) (Result, error) {
	if v == nil {
		return Result{Ok: true}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Ok: true, Data: data}, nil
}

// Failure converts err into a failed result. Untyped errors become INTERNAL.
func Failure(err error) Result {
	return Result{Ok: false, Error: AsError(err).Detail()}
}

// Err returns the typed error of a failed result, or nil.
func (r Result) Err() *Error {
	if r.Ok {
		return nil
	}
	if r.Error == nil {
		return NewError(CodeInternal, internalMessage)
	}
	return r.Error.Err()
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Equal reports whether two results carry the same outcome and data bytes.
func (r Result) Equal(o Result) bool {
	if r.Ok != o.Ok || !bytes.Equal(r.Data, o.Data) {
		return false
	}
	if (r.Error == nil) != (o.Error == nil) {
		return false
	}
	return r.Error == nil || *r.Error == *o.Error
}
