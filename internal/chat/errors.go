package chat

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrSessionBusy     = errors.New("a request is already in progress for this session")
	ErrPendingPrompt   = errors.New("a confirmation is pending for this session")
	ErrNoPendingPrompt = errors.New("no confirmation is pending for this session")
)
