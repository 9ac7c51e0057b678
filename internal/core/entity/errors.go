package entity

import "errors"

var (
	ErrKindMismatch    = errors.New("value kind does not match property declaration")
	ErrNilCustomValue  = errors.New("custom property holds no value")
	ErrNoCustomFactory = errors.New("no factory registered for custom property")
	ErrUnknownProperty = errors.New("property codes not declared in scene")
	ErrNotSpawned      = errors.New("node has not been spawned")
	ErrAlreadySpawned  = errors.New("node is already spawned")
)
