// Package logx configures agentfleet's structured logging.
//
// Components receive a logx.Logger at construction time; there are no
// package-level loggers. The wrapper sits on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured (one event per line)
//   - Runtime level/output swaps through Service.Apply on config reload
package logx
