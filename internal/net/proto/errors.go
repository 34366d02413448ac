package proto

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingType is returned for envelopes without a type.
	ErrMissingType = errors.New("proto: message type missing")
	// ErrUnknownType is returned for envelopes of an unknown type.
	ErrUnknownType = errors.New("proto: unknown message type")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("proto: required field missing")
	// ErrUnsupportedVersion is returned for envelopes from a newer protocol.
	ErrUnsupportedVersion = errors.New("proto: unsupported protocol version")
	// ErrMalformedFrame is returned for frames that cannot be decoded.
	ErrMalformedFrame = errors.New("proto: malformed frame")
	// ErrFrameTooLarge is returned for frames that exceed MaxFrameSize on
	// the wire or once decompressed.
	ErrFrameTooLarge = errors.New("proto: frame too large")
)

func errMissing(msgType, field string) error {
	return fmt.Errorf("%w: %s needs %s", ErrMissingField, msgType, field)
}

func errUnknownType(msgType string) error {
	return fmt.Errorf("%w: %q", ErrUnknownType, msgType)
}
