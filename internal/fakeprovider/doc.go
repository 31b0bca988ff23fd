// Package fakeprovider implements an in-memory speech API for tests and local runs.
// It issues tokens, stores uploads, advances jobs on every status check and
// serves a configurable result body.
package fakeprovider
