package types

import "errors"

// ErrConnectionLost reports a dropped camera or arm transport.
// It is recoverable: the cycle degrades and the next one retries.
var ErrConnectionLost = errors.New("connection lost")
