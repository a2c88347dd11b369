// Package logging provides slog construction with console and JSON handlers
// plus shared attribute helpers and field-name constants.
//
// The console handler renders one line per record with the component
// attribute promoted into the message prefix. The JSON handler is the
// machine-readable form used when logs are shipped elsewhere.
package logging
