// Package admission gates new WebSocket connections before any session exists.
// It combines a per-IP sliding-window rate limiter, a global concurrency gate,
// and fail-closed origin validation.
package admission
