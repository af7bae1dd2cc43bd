// Package logx configures taskforge's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels and outputs swappable at runtime via Service.Apply
//
// The zero value of Logger is a safe no-op, so library code can carry a
// Logger field without nil checks.
package logx
