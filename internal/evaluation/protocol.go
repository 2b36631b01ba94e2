package evaluation

import (
	"errors"
	"fmt"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/message"
)

// Evaluator requests are a type byte followed by a little-endian payload.
// Responses are a status byte followed by the result, or by an error text when
// the status is not StatusOK.

// RequestType identifies an evaluator operation.
type RequestType uint8

const (
	RequestGetCredibility RequestType = iota + 1
	RequestUpdateReputation
	RequestRegister
	RequestUnregister
	RequestGetValidators
	RequestSelectValidators
	RequestIsTrustworthy
)

// String returns the operation name.
func (t RequestType) String() string {
	switch t {
	case RequestGetCredibility:
		return "get_credibility"
	case RequestUpdateReputation:
		return "update_reputation"
	case RequestRegister:
		return "register"
	case RequestUnregister:
		return "unregister"
	case RequestGetValidators:
		return "get_validators"
	case RequestSelectValidators:
		return "select_validators"
	case RequestIsTrustworthy:
		return "is_trustworthy"
	default:
		return fmt.Sprintf("request(%d)", uint8(t))
	}
}

// Status is the first byte of a response.
type Status uint8

const (
	StatusOK Status = iota
	StatusUnauthorized
	StatusAlreadyRegistered
	StatusNotRegistered
	StatusBadRequest
	StatusInternal
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusAlreadyRegistered:
		return "already_registered"
	case StatusNotRegistered:
		return "not_registered"
	case StatusBadRequest:
		return "bad_request"
	case StatusInternal:
		return "internal"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Request is a decoded evaluator request. Only the fields of its Type are set.
type Request struct {
	Type RequestType

	IDs []message.Identity // IDs are the identities of get_credibility

	Trusted   []message.Identity           // Trusted validators of update_reputation
	Untrusted []message.Identity           // Untrusted validators of update_reputation
	Exception []aggregation.ExceptionGroup // Exception groups of update_reputation

	From  uint64 // From is the first index of get_validators
	Limit uint64 // Limit is the page size of get_validators

	Seed  []byte // Seed drives select_validators
	Count uint32 // Count is the roster size of select_validators

	Validator message.Identity // Validator is the subject of is_trustworthy
}

// Encode serializes the request.
func (r Request) Encode() []byte {
	w := &writer{}
	w.u8(uint8(r.Type))

	switch r.Type {
	case RequestGetCredibility:
		w.identities(r.IDs)
	case RequestUpdateReputation:
		w.identities(r.Trusted)
		w.identities(r.Untrusted)
		w.exceptions(r.Exception)
	case RequestGetValidators:
		w.u64(r.From)
		w.u64(r.Limit)
	case RequestSelectValidators:
		w.bytes(r.Seed)
		w.u32(r.Count)
	case RequestIsTrustworthy:
		w.identity(r.Validator)
	}

	return w.buf
}

// DecodeRequest parses a request.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) == 0 {
		return Request{}, fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}

	req := Request{Type: RequestType(data[0])}
	r := &reader{data: data[1:]}

	switch req.Type {
	case RequestGetCredibility:
		req.IDs = r.identities()
	case RequestUpdateReputation:
		req.Trusted = r.identities()
		req.Untrusted = r.identities()
		req.Exception = r.exceptions()
	case RequestRegister, RequestUnregister:
	case RequestGetValidators:
		req.From = r.u64()
		req.Limit = r.u64()
	case RequestSelectValidators:
		req.Seed = r.bytes()
		req.Count = r.u32()
	case RequestIsTrustworthy:
		req.Validator = r.identity()
	default:
		return Request{}, fmt.Errorf("%w: unknown type %d", ErrInvalidRequest, data[0])
	}

	if err := r.finish(); err != nil {
		return Request{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req.Type, err)
	}

	return req, nil
}

// okResponse builds a successful response whose payload is written by fn.
func okResponse(fn func(w *writer)) []byte {
	w := &writer{}
	w.u8(uint8(StatusOK))

	if fn != nil {
		fn(w)
	}

	return w.buf
}

// errorResponse builds a failed response.
func errorResponse(err error) []byte {
	w := &writer{}
	w.u8(uint8(statusOf(err)))
	w.bytes([]byte(err.Error()))

	return w.buf
}

// statusOf maps an error to its wire status.
func statusOf(err error) Status {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return StatusUnauthorized
	case errors.Is(err, credibility.ErrAlreadyRegistered):
		return StatusAlreadyRegistered
	case errors.Is(err, credibility.ErrNotRegistered):
		return StatusNotRegistered
	case errors.Is(err, ErrInvalidRequest):
		return StatusBadRequest
	default:
		return StatusInternal
	}
}

// errorOf maps a wire status back to its sentinel.
func errorOf(s Status) error {
	switch s {
	case StatusUnauthorized:
		return ErrUnauthorized
	case StatusAlreadyRegistered:
		return credibility.ErrAlreadyRegistered
	case StatusNotRegistered:
		return credibility.ErrNotRegistered
	case StatusBadRequest:
		return ErrInvalidRequest
	case StatusInternal:
		return ErrRemote
	default:
		return nil
	}
}

// openResponse checks the status of a response and returns a reader over its
// payload. Remote failures come back as their sentinel. Undecodable responses
// wrap ErrMalformedResponse.
func openResponse(data []byte) (*reader, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	status := Status(data[0])
	r := &reader{data: data[1:]}

	if status == StatusOK {
		return r, nil
	}

	sentinel := errorOf(status)
	if sentinel == nil {
		return nil, fmt.Errorf("%w: unknown status %d", ErrMalformedResponse, data[0])
	}

	text := r.bytes()
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("%w: %s error: %v", ErrMalformedResponse, status, err)
	}

	return nil, fmt.Errorf("%w: %s", sentinel, text)
}

// closeResponse reports a decoding failure of a payload.
func closeResponse(r *reader, kind RequestType) error {
	if err := r.finish(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, kind, err)
	}

	return nil
}
