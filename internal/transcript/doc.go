// Package transcript renders recognition results as plain text.
package transcript
