// Package logx configures the connector's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional remote sink shipping warning+ lines to the platform
//     (min-level + rate limiting, always best-effort)
package logx
