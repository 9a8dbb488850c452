// Package relay implements the per-session data path: the client wire
// protocol, the duplex pump between a client WebSocket and a Live session
// handle, and the lifecycle supervisor that owns setup, priming, and
// teardown for one connection.
package relay
