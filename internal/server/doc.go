// Package server implements the HTTP API of the transcriber service: the
// transcription workflow endpoints, a WebSocket hub pushing job events, and
// monitoring endpoints for health, configuration and Prometheus metrics.
package server
