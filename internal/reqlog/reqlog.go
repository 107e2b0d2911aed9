// Package reqlog carries a deployment id and a per-request id through
// context.Context so that every log line a request touches can be
// correlated: "[src:<deploy-id>] [req:<id>] <message>".
package reqlog

import (
	"context"
	"log"
)

type ctxKey int

const (
	deployKey ctxKey = iota
	reqIDKey
)

// deployID is set once at process start by SetDeployID; it defaults to
// "dev" so packages that never call SetDeployID still get a useful prefix.
var deployID = "dev"

// SetDeployID sets the process-wide deployment identifier embedded in every
// log line. Called once from cmd/collabd's main.
func SetDeployID(id string) {
	if id != "" {
		deployID = id
	}
}

// WithRequestID returns a context carrying reqID for later retrieval by
// Printf/Logger.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	return context.WithValue(ctx, reqIDKey, reqID)
}

// RequestID returns the request id stashed in ctx, or "-" if none.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(reqIDKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

func prefix(ctx context.Context) string {
	return "[src:" + deployID + "] [req:" + RequestID(ctx) + "] "
}

// Printf logs a message prefixed with the deployment and request ids
// carried by ctx, mirroring log.Printf's formatting.
func Printf(ctx context.Context, format string, args ...interface{}) {
	log.Printf(prefix(ctx)+format, args...)
}

// Logger is a small struct form of Printf for components that want to hold
// onto a context-bound logger across several calls (e.g. a room, which logs
// repeatedly over its lifetime under one request-scoped id).
type Logger struct {
	ctx context.Context
}

// New returns a Logger bound to ctx.
func New(ctx context.Context) Logger {
	return Logger{ctx: ctx}
}

func (l Logger) Printf(format string, args ...interface{}) {
	Printf(l.ctx, format, args...)
}
