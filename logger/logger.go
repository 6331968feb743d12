package logger

// Logger is the structured logging surface used across guard. Implementations
// accept alternating key/value pairs after the message.
type Logger interface {
	Error(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// Default returns the logger used when none is configured.
func Default() Logger { return NewNullLogger() }
