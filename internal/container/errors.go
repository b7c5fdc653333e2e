package container

import "errors"

// Wire error names of the container manager interface.
const (
	ErrorInvalidArgs    = "org.busbahnhof.Error.InvalidArgs"
	ErrorLimitsExceeded = "org.busbahnhof.Error.LimitsExceeded"
	ErrorAccessDenied   = "org.busbahnhof.Error.AccessDenied"
	ErrorNotContainer   = "org.busbahnhof.Error.NotContainer"
	ErrorIOError        = "org.busbahnhof.Error.IOError"
)

// Sentinel errors. Internal operations wrap these; the handler layer
// maps them to the wire names above.
var (
	ErrInvalidArgs    = errors.New("invalid argument")
	ErrLimitsExceeded = errors.New("limits exceeded")
	ErrAccessDenied   = errors.New("access denied")
	ErrNotContainer   = errors.New("not a container")
)
