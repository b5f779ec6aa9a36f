package agent

import (
	"context"
	"strings"
)

type requestIDKey struct{}

type reviewerKey struct{}

// WithRequestID tags work done for one inbound request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithReviewer names who supplied the decisions passed to Resume.
func WithReviewer(ctx context.Context, reviewer string) context.Context {
	return context.WithValue(ctx, reviewerKey{}, strings.TrimSpace(reviewer))
}

func reviewerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(reviewerKey{}).(string)
	return v
}
