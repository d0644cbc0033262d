// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so that services can hold a Logger value that stays live across
// runtime config reloads: the Service swaps sinks/levels atomically and every
// Logger handed out earlier picks up the change on its next write.
package logx
