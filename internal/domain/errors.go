package domain

import "errors"

var (
	// ErrStartup is returned when the worker pool could not be fully started.
	ErrStartup = errors.New("worker pool start-up failed")
	// ErrReadinessTimeout is returned when no worker reported within the timeout.
	ErrReadinessTimeout = errors.New("no worker became ready before the timeout")
	// ErrNoLiveWorkers is returned when every worker exited while files were still pending.
	ErrNoLiveWorkers = errors.New("no live workers left")
	// ErrMalformedArchive is returned when the input archive cannot be expanded.
	ErrMalformedArchive = errors.New("malformed input archive")
)
