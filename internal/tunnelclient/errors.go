package tunnelclient

import "errors"

// Error kinds from spec.md §7. UpstreamRpcFailure and LoopbackFailure are
// reported via the client's error event but never tear down the tunnel;
// other multiplexed sessions continue.
var (
	ErrUpstreamRPCFailure = errors.New("tunnelclient: upstream rpc forward failed")
	ErrLoopbackFailure    = errors.New("tunnelclient: loopback data-channel failed")
	ErrTransport          = errors.New("tunnelclient: transport error")
	ErrUnknownFrameType   = errors.New("tunnelclient: cannot handle tunnel frame type")
)

// errSessionClosed is what Run's reconnect loop sees when a session ends
// via an explicit Close() rather than a transport or health-check
// failure (no error was recorded for it).
var errSessionClosed = errors.New("tunnelclient: session closed")
