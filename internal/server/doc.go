// Package server hosts the two network surfaces of the relay: the client
// WebSocket endpoint with admission control and keepalive, and the
// monitoring HTTP server for health, session and metrics endpoints.
package server
