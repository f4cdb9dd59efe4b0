// Package logx is taskd's structured logger, a thin layer over zerolog.
//
// Console output goes to stderr so command output on stdout stays machine
// readable. File output is JSON lines. Component loggers are derived with
// log.With(logx.String("comp", ...)) and stay live across Service.Apply.
package logx
