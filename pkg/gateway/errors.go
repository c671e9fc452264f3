package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/courier/pkg/conversation"
)

var (
	// ErrForbidden is returned when a caller acts as an identity other than
	// the one its token proves.
	ErrForbidden = errors.New("identity does not match authenticated subject")
	// ErrLiveOnly is returned when a live-channel method arrives over HTTP.
	ErrLiveOnly = errors.New("method is only available on the live channel")
)

// toRPCError maps domain errors onto JSON-RPC error objects.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var verr *conversation.ValidationError
	switch {
	case errors.As(err, &verr):
		return &RPCError{
			Code:    InvalidParams,
			Message: verr.Error(),
			Data:    map[string]string{"field": verr.Field},
		}
	case errors.Is(err, conversation.ErrNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, ErrForbidden):
		return &RPCError{Code: Forbidden, Message: err.Error()}
	case errors.Is(err, ErrLiveOnly):
		return &RPCError{Code: InvalidRequest, Message: err.Error()}
	case errors.Is(err, conversation.ErrStore):
		return &RPCError{Code: InternalError, Message: "store unavailable"}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}

// httpStatus maps domain errors onto REST status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// decodeParams unmarshals RPC params into dst. Absent params decode as an
// empty object so required-field validation reports the missing field.
func decodeParams(raw json.RawMessage, dst interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}
