// Package session provides the session registry and per-session state for the relay.
// It tracks client sessions keyed by UUID, bounds registry size with
// least-recently-active eviction, and reaps idle sessions in the background.
package session
