// Package relay owns the request-dispatch core between callers and the
// HTTP transport queue.
//
// Ownership boundary:
// - listener registry and duplicate suppression
// - dispatch, fan-out and bulk cancellation
// - one-shot login-restore retry flow
// - in-flight progress notification
package relay
