package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"obd-relay/elm327"
	"obd-relay/encoder"
	"obd-relay/obd"
)

// Code - код ошибки в событии "error"
type Code string

const (
	CodeUnknownEvent       Code = "unknown_event"
	CodeBadRequest         Code = "bad_request"
	CodeUnknownCommand     Code = "unknown_command"
	CodeUnsupportedCommand Code = "unsupported_command"
	CodeNotConnected       Code = "not_connected"
	CodeNotSerializable    Code = "not_serializable"
	CodeClientError        Code = "client_error"
)

var (
	ErrReservedEvent = errors.New("relay: event name is reserved")
	ErrBadRequest    = errors.New("bad request")
	ErrConnClosed    = errors.New("relay: connection closed")
)

// Error - типизированная ошибка обработки события
type Error struct {
	Event string
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Event, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errorPayload - данные события "error"
type errorPayload struct {
	Event   string `json:"event"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// classify приводит ошибку к *Error с кодом
func classify(event string, err error) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		classified := *relayErr
		if classified.Event == "" {
			classified.Event = event
		}
		return &classified
	}

	code := CodeClientError
	var typeErr *encoder.UnsupportedTypeError
	var syntaxErr *json.SyntaxError
	var jsonTypeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, obd.ErrUnknownCommand):
		code = CodeUnknownCommand
	case errors.Is(err, obd.ErrUnsupported):
		code = CodeUnsupportedCommand
	case errors.Is(err, obd.ErrNotConnected), errors.Is(err, elm327.ErrNotConnected):
		code = CodeNotConnected
	case errors.As(err, &typeErr):
		code = CodeNotSerializable
	case errors.Is(err, ErrBadRequest), errors.As(err, &syntaxErr), errors.As(err, &jsonTypeErr):
		code = CodeBadRequest
	}
	return &Error{Event: event, Code: code, Err: err}
}

// EncodeError кодирует данные события "error" для ошибки обработки event
func EncodeError(event string, err error) ([]byte, *Error) {
	relayErr := classify(event, err)
	payload, marshalErr := json.Marshal(errorPayload{
		Event:   relayErr.Event,
		Code:    relayErr.Code,
		Message: relayErr.Err.Error(),
	})
	if marshalErr != nil {
		return nil, relayErr
	}
	return payload, relayErr
}
