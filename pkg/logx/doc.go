// Package logx configures taskcore's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level/sinks hot-swappable at runtime (Service.Apply)
package logx
