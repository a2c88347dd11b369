// Package logs reads the daemon log file for the CLI: the last N lines for
// one-shot display, and incremental reads from a byte offset for follow mode.
package logs
