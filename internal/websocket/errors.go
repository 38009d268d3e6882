package websocket

import "errors"

// Connection errors
var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrInvalidJSON    = errors.New("invalid JSON data")
)

// Registry errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrRegistryClosed      = errors.New("registry is closed")
)
