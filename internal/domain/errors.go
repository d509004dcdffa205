package domain

import "errors"

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrWatcherRunning = errors.New("watcher already running")
)
