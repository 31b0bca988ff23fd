// Package metrics defines the Prometheus collectors of the transcriber service.
package metrics
