package tunnelserver

import "errors"

// Error kinds from spec.md §7, returned synchronously to CreateGateway's
// caller.
var (
	ErrTunnelsExhausted = errors.New("tunnelserver: max tunnels reached")
	ErrNoFreePort       = errors.New("tunnelserver: no free port in gateway range")
	ErrBindFailed       = errors.New("tunnelserver: gateway bind failed")
)
