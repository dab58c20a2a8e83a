package hub

import "errors"

// ErrClosed is returned by Subscribe after the hub has shut down.
var ErrClosed = errors.New("hub: closed")
