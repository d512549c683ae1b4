package deck

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrJobRunning = errors.New("an analysis is already running for this session")
	ErrNoAssets   = errors.New("no chart images selected")
	ErrNoResult   = errors.New("no analysis result available")
	ErrNotEditing = errors.New("edit mode is not active")
)
