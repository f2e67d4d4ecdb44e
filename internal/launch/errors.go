package launch

import "errors"

var (
	ErrLaunch       = errors.New("launch failed")
	ErrStartup      = errors.New("service failed to start")
	ErrPortMismatch = errors.New("port does not match the image's declared port")
	ErrNoEntrypoint = errors.New("image declares no entrypoint")
	ErrWatch        = errors.New("watch failed")
)
