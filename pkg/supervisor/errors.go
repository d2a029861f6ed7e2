package supervisor

import "errors"

// Failure kinds for chain startup. Start wraps them so callers can classify
// with errors.Is.
var (
	ErrDisplayNotReady  = errors.New("display not ready")
	ErrVNCStartFailed   = errors.New("vnc server failed to start")
	ErrProxyStartFailed = errors.New("websocket proxy failed to start")
	ErrBrowserAttach    = errors.New("browser failed to attach")
)
