package build

import "errors"

var (
	ErrBuild               = errors.New("build failed")
	ErrStepFailed          = errors.New("step command failed")
	ErrCopy                = errors.New("copy failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
)
