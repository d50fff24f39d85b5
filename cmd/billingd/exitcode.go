package main

// Process exit codes.
const (
	exitSuccess         = 0
	exitUsageError      = 1
	exitValidationError = 2
	exitDBConnError     = 3
	exitRunError        = 4
	exitConflict        = 5
)
