// Package log provides strata's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Output goes through a pluggable
// Formatter/Output pipeline so the same call sites can emit human-readable
// text during development and JSON in production.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("server"))
//	l.Info("server started", log.Str("addr", addr))
//
// # Interop
//
// To integrate with libraries expecting the standard library logger (Pebble
// writes through it), use RedirectStdLog.
package log
