// Package language normalizes language hints passed to the speech backends.
//
// All language-related conversions (hint codes, alternate spellings, display
// names) are consolidated here to avoid duplication across the engine, the
// IPC layer, and the CLI.
package language
