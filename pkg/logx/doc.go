// Package logx configures jobsched's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output readable
// (short timestamp + short caller) and file output JSON-structured. Throttle
// rate-limits repetitive warnings per key.
package logx
