package svc

import "errors"

// ErrStorageInitFailed wraps any snapshot store construction failure.
var ErrStorageInitFailed = errors.New("storage initialization failed")
