// Package recognition implements the asynchronous speech recognition
// workflow against the provider REST API.
//
// A job goes through four calls: Upload stores the media, Submit starts
// recognition, PollOnce reports the job state and DownloadResult fetches
// the finished result. Every call obtains a bearer token from a
// TokenSource and goes through a retrying HTTP client.
//
// Results come in two shapes. Flat results are a list of segments, nested
// results are a list of utterances carrying speaker information. Result
// resolves the shape once, from the first element, and exposes both
// through Lines.
//
// Failures are reported as *Error values whose Kind is one of the
// exported sentinels, so callers can test them with errors.Is.
package recognition
