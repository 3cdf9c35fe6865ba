package agent

import "errors"

// Lifecycle failures. Each names the sub-step that failed.
var (
	ErrImagePull        = errors.New("pull image failed")
	ErrLaunch           = errors.New("launch failed")
	ErrReadinessTimeout = errors.New("readiness pattern not seen before deadline")
	ErrReadinessLost    = errors.New("agent output ended before readiness pattern")
	ErrIdentityCapture  = errors.New("identity capture failed")
	ErrExhaustedRetries = errors.New("agent not confirmed running")
	ErrMissingIdentity  = errors.New("no identity found, nothing to stop")
	ErrStopFailed       = errors.New("stop command failed")
	ErrMissingOutput    = errors.New("agent output file missing or empty")
)
