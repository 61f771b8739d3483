package out

import "context"

// RateLimiter decides whether a request identified by key may proceed.
// Keys are "global" or "ip:<address>".
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
	AllowN(ctx context.Context, key string, n int) bool
}
