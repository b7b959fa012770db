// Package logx provides a small structured logging facade over zerolog.
//
// The Service owns the configured sinks (console, file) and supports
// hot-swapping them via Apply() without invalidating existing Logger values.
// Loggers derived from a Service stay "live" across reconfiguration.
package logx
