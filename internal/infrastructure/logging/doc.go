// Package logging provides structured logging for biolink core.
//
// It wraps log/slog with the service's default fields and config-driven
// level and format selection. Components receive a *Logger (or a narrow
// logger interface they define themselves) rather than using a global.
package logging
