// Package logx provides a small structured logging facade over zerolog.
//
// It exists so the rest of the codebase can log through a stable API while
// sinks and levels are swapped at runtime via Service.Apply (config reload).
package logx
