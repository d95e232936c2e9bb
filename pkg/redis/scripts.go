package redis

import (
	"context"
	"time"
)

const (
	// incrScript starts the window on the first hit so a crash between the
	// increment and the expiry can never leave an immortal counter.
	incrScript = `local n = redis.call("INCR", KEYS[1])
if n == 1 then redis.call("PEXPIRE", KEYS[1], ARGV[1]) end
return n`

	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

	extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

// IncrWithTTL bumps a fixed-window counter under the rate-limit namespace.
func (c *Client) IncrWithTTL(ctx context.Context, scope string, window time.Duration) (int64, error) {
	if c.store == nil {
		return 0, errNotInitialized
	}
	return c.store.Eval(ctx, incrScript, []string{c.RateLimitKey(scope)}, window.Milliseconds()).Int64()
}

// AcquireLock takes the named lease for ttl if nobody holds it.
func (c *Client) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, c.LockKey(name), token, ttl)
}

// ExtendLock pushes the lease expiry out while token still owns it.
func (c *Client) ExtendLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	n, err := c.store.Eval(ctx, extendScript, []string{c.LockKey(name)}, token, ttl.Milliseconds()).Int64()
	return n == 1, err
}

// ReleaseLock drops the lease only while token still owns it.
func (c *Client) ReleaseLock(ctx context.Context, name, token string) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Eval(ctx, releaseScript, []string{c.LockKey(name)}, token).Err()
}
