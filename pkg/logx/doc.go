// Package logx wraps zerolog for puddlejobs.
//
// Loggers are values built from Field helpers; components derive their own
// with With. Console output uses a short timestamp and caller, the optional
// file sink writes JSON, and Service.Apply swaps level and sinks at runtime
// without invalidating loggers already handed out.
package logx
