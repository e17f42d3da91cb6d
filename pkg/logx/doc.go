// Package logx configures the service's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller), or raw JSON lines
//   - File output JSON-structured
//   - The request correlation id attached via Logger.Ctx
package logx
