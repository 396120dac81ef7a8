package transport

import (
	"bytes"
	"encoding/json"
	stderrors "errors"

	"github.com/wippyai/exthost/dispatch"
	"github.com/wippyai/exthost/errors"
)

// Response answers one request frame.
type Response struct {
	Result *dispatch.Result `json:"result,omitempty"`
	Error  *ErrorBody       `json:"error,omitempty"`
	ID     string           `json:"id"`
}

// ErrorBody is the wire form of a failed call.
type ErrorBody struct {
	Phase    errors.Phase `json:"phase,omitempty"`
	Kind     errors.Kind  `json:"kind"`
	Function string       `json:"function,omitempty"`
	Message  string       `json:"message"`
	Detail   string       `json:"detail,omitempty"`
	Thread   uint64       `json:"thread,omitempty"`
	Handle   uint32       `json:"handle,omitempty"`
}

// kindInternal marks failures that carry no structured error.
const kindInternal errors.Kind = "internal"

func errorBody(err error) *ErrorBody {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return &ErrorBody{
			Phase:    e.Phase,
			Kind:     e.Kind,
			Function: e.Function,
			Message:  e.Error(),
			Detail:   e.Detail,
			Thread:   e.Thread,
			Handle:   e.Handle,
		}
	}
	return &ErrorBody{Kind: kindInternal, Message: err.Error()}
}

// Err converts the body back into an error. Structured fields survive the
// round trip; the cause chain does not.
func (b *ErrorBody) Err() error {
	if b == nil {
		return nil
	}
	return &errors.Error{
		Phase:    b.Phase,
		Kind:     b.Kind,
		Function: b.Function,
		Detail:   b.detail(),
		Thread:   b.Thread,
		Handle:   b.Handle,
	}
}

func (b *ErrorBody) detail() string {
	if b.Detail != "" {
		return b.Detail
	}
	return b.Message
}

// decode parses a frame keeping numbers as json.Number, so integers keep
// their full 64-bit range.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
