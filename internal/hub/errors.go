package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrQueueFull         = errors.New("broadcast queue is full")
	ErrInvalidSubscriber = errors.New("subscriber and course id are required")
)
