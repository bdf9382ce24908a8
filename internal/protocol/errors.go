package protocol

import "errors"

var (
	ErrInvalidClass   = errors.New("protocol: invalid message class")
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrMissingField   = errors.New("protocol: missing required field")
	ErrInvalidView    = errors.New("protocol: invalid view")
	ErrInvalidQos     = errors.New("protocol: invalid qos")
	ErrPayloadTooLong = errors.New("protocol: field value too long")
)
