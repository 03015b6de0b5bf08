package models

import "errors"

// Error kinds crossing the public boundary. Callers discriminate with
// errors.Is; concrete causes are wrapped underneath.
var (
	// ErrNotFound covers missing quarantine entries and unwatched paths.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyScanning rejects a second concurrent on-demand scan.
	ErrAlreadyScanning = errors.New("scan already in progress")
	// ErrCancelled reports a cooperative cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrShutdown rejects operations after a component stopped.
	ErrShutdown = errors.New("shutdown in progress")
	// ErrTooLarge rejects oversized files and over-budget archive extraction.
	ErrTooLarge = errors.New("resource limit exceeded")
	// ErrTooDeep rejects archive nesting past the configured level.
	ErrTooDeep = errors.New("nesting level exceeded")
	// ErrFormat reports a malformed signature database, quarantine index or archive.
	ErrFormat = errors.New("malformed data")
	// ErrDestinationExists refuses to restore over an existing file.
	ErrDestinationExists = errors.New("destination exists")
)
