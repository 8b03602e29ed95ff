package dispatch

import "errors"

var (
	ErrAlreadyRunning      = errors.New("campaign is already running")
	ErrInvalidTransition   = errors.New("invalid campaign status transition")
	ErrAlreadyCompleted    = errors.New("campaign is already completed")
	ErrIndexOutOfRange     = errors.New("current index out of range")
	ErrGatewayDisconnected = errors.New("gateway session is not connected")
	ErrInvalidConfig       = errors.New("invalid campaign config")
)
