package pine

import "github.com/user/pineai/internal/types"

// Sentinel and typed errors surfaced by the client. Transport loss during a
// live stream never raises: it arrives as a terminal error Event instead.
var (
	ErrNotConnected = types.ErrNotConnected
	ErrStreamClosed = types.ErrStreamClosed
)

type (
	TransportError = types.TransportError
	APIError       = types.APIError
)
