// Package httpclient implements the retrying HTTP client shared by the provider clients.
// It retries transport failures and configured transient statuses with capped
// exponential backoff and reports every attempt to an optional observer.
package httpclient
