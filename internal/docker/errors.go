package docker

import "errors"

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// ErrExecFailed indicates a command run inside a container exited non-zero.
var ErrExecFailed = errors.New("docker: exec failed")
