// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the match gateway. These provide more
// specific reasons for closure than standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Guest session could not be resolved or minted.
	InvalidMatchCodeError = 3002 // Target match code does not exist or is malformed.
)
