package tunnelserver

// Close codes sent in the control close frame when the server tears down a
// session (spec.md §6). Pinned in the RFC 6455 private-use range
// (4000-4999); spec.md §9 Open Question (a) leaves the exact values to the
// implementer.
const (
	CloseGatewayClosed    = 4000
	CloseInvalidFrameType = 4001
	CloseUnexpected       = 4002

	// CloseUnauthorized is sent on the rare race where a token passes the
	// pre-upgrade Authorized check but loses a concurrent Consume after
	// the socket has already been upgraded, when an HTTP error response is
	// no longer possible.
	CloseUnauthorized = 4003
)
