// Package jobs orchestrates recognition jobs: it validates and submits
// uploads, applies forward-only status updates, tracks jobs in the
// background and publishes sequenced events about them.
package jobs
