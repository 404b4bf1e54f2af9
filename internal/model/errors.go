package model

import "errors"

var (
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidHeight   = errors.New("invalid plot height")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrConnection      = errors.New("connection error")
	ErrDuplicateID     = errors.New("duplicate bus id")
	ErrSessionRunning  = errors.New("session is running")
	ErrListenerRunning = errors.New("listener already running")
)
