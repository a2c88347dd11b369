// Package services defines the shared error taxonomy for backend
// orchestration components. Components wrap failures with a sentinel marker
// via Wrap; callers classify with errors.Is. Nothing in this package retries
// anything: retry is always a caller decision.
package services
