package replaycache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a ReplayCache backed by Redis SETNX + TTL, for taskservers
// deployed as more than one process behind the same commander/executor
// population. It trades the single-mutex simplicity of Memory for a
// shared view of recently-used nonces across instances.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing *redis.Client. prefix namespaces the keys
// (e.g. "funtonic:replay:") so the cache can share a Redis instance with
// other subsystems.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "funtonic:replay:"
	}
	return &Redis{client: client, prefix: prefix}
}

// CheckAndRemember implements signing.ReplayCache using SET key val NX EX
// ttl: the atomic "set if absent" is exactly the check-and-remember this
// interface requires, so there is no separate check-then-set race window.
func (r *Redis) CheckAndRemember(keyID string, nonce uint64, validUntilSecs uint64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ttl := time.Until(time.Unix(int64(validUntilSecs), 0))
	if ttl <= 0 {
		// Already expired; nothing to remember, but it is also not a
		// valid envelope, so treat it as unused rather than guessing.
		ttl = time.Second
	}

	k := r.prefix + key(keyID, nonce)
	ok, err := r.client.SetNX(ctx, k, 1, ttl).Result()
	if err != nil {
		// Fail closed would block every dispatch on a Redis hiccup; fail
		// open here mirrors the server's "remain available for other
		// operations" recovery policy (spec.md section 7). The error is
		// neither logged nor returned: the envelope is accepted as unused.
		// Callers that need fail-closed semantics should use Memory
		// instead.
		return true
	}
	return ok
}
