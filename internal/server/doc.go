// Package server implements the HTTP and WebSocket surface of ChatRelay.
//
// The implementation is organized into specialized files for configuration,
// origin checking, rate limiting, connection pumps, routing, and HTTP
// handlers. Chat state itself lives in the broker package; this package only
// moves bytes between WebSocket connections and the broker's event loop.
package server
