// Package upstream manages connections to the Gemini Live streaming API.
//
// A single immutable Client holds the credentials and generation settings
// shared by every session. Client.Open dials the BidiGenerateContent
// WebSocket endpoint with retry and exponential backoff and returns a
// Handle carrying one live model session. Server messages are decoded into
// the tagged Event type consumed by the relay.
package upstream
