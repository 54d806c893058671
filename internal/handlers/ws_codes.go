// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the game stream.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	InvalidGameIDError  = 3003 // Target game does not exist or the caller is not part of it.
	GameDeletedError    = 3004 // The game was deleted while the stream was open.
)
