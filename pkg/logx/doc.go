// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase logs through one small API
// (Logger + Field helpers) instead of importing zerolog everywhere.
package logx
