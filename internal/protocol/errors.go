package protocol

import "errors"

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrInvalidPayload  = errors.New("protocol: invalid payload")
	ErrRegistryFrozen  = errors.New("protocol: registry frozen")
	ErrDuplicateType   = errors.New("protocol: type already registered")
	ErrInvalidTypeName = errors.New("protocol: invalid type name")
)
