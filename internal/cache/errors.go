package cache

import "errors"

var (
	ErrMiss    = errors.New("cache miss")
	ErrCorrupt = errors.New("cache entry corrupt")
	ErrStore   = errors.New("cache store error")
)
