// Package logging provides the stack's package-level logger: a thin
// wrapper around a zap.SugaredLogger exposing the same sparse,
// printf-style call sites the rest of the stack was already written
// against, so that swapping in structured logging didn't mean touching
// every log line in the stack.
package logging

import "go.uber.org/zap"

var sugar = newSugar()

func newSugar() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// Logging setup failing this early means zap itself is broken;
		// fall back to a no-op logger rather than taking the process down
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Printf logs at info level, matching the density the rest of the stack
// already logs at: one line per drop, reset or unexpected condition
func Printf(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

// Fatal logs at fatal level then exits the process, same as log.Fatal
func Fatal(args ...interface{}) {
	sugar.Fatal(args...)
}

// Fatalf logs at fatal level then exits the process, same as log.Fatalf
func Fatalf(format string, args ...interface{}) {
	sugar.Fatalf(format, args...)
}

// Sync flushes any buffered log entries. Call it once before process exit
func Sync() {
	sugar.Sync()
}
