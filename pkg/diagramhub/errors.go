// Package diagramhub holds the types shared by every part of the diagram
// collaboration core: the error taxonomy and its wire codes.
package diagramhub

import (
	"errors"
)

var (
	// ErrUnauthenticated means the handshake carried no usable session id.
	ErrUnauthenticated = errors.New("no session identifier")

	// ErrMalformedMessage means a frame was not a JSON object with a type.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownMessageType means a well-formed frame had a type we don't handle.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrValidationFailed means the payload parsed but has the wrong shape.
	ErrValidationFailed = errors.New("validation failed")

	// ErrPersistFailed means the document store rejected or failed an update.
	ErrPersistFailed = errors.New("persist failed")

	// ErrDeliveryFailed means an event could not be handed to one member.
	// It is logged and never surfaced to the sender.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Wire error codes carried in the "code" field of error events.
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeMalformedMessage = "malformed_message"
	CodeUnknownType      = "unknown_type"
	CodeValidationFailed = "validation_failed"
	CodePersistFailed    = "persist_failed"
	CodeInternal         = "internal_error"
)

// ErrorCode maps an error to the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformedMessage
	case errors.Is(err, ErrUnknownMessageType):
		return CodeUnknownType
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrPersistFailed):
		return CodePersistFailed
	default:
		return CodeInternal
	}
}
