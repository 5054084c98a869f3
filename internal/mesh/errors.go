package mesh

import "errors"

var (
	ErrAlreadyConnected = errors.New("peer already connected")
	ErrPendingExists    = errors.New("session already pending for peer")
	ErrUnknownPeer      = errors.New("no pending session for peer")
	ErrDuplicateJoin    = errors.New("duplicate join")
	ErrBootstrapTimeout = errors.New("bootstrap timed out")
	ErrBootstrapFailed  = errors.New("bootstrap failed")
	ErrQueryInProgress  = errors.New("readiness query already in progress")
	ErrClosed           = errors.New("peer closed")
	ErrInvalidChannels  = errors.New("invalid channel configuration")
	ErrInvalidName      = errors.New("invalid peer name")
)
