// Package logger provides the structured logger of rnode processes.
//
// It wraps log/slog with:
//
//   - JSON (default) or text output
//   - a process-wide level adjustable at runtime (SetLevel)
//   - redaction of credentials: attributes named like a secret are
//     replaced, and values that look like a JWT or an Authorization
//     header are masked wherever they appear
//   - context helpers carrying a logger and a request id
//
// Library packages take a plain *slog.Logger; processes build one here and
// hand out Logger.Slog().
package logger
