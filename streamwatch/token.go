package streamwatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenSafetyMargin is subtracted from the token expiry, a token within this
// margin of expiring is treated as expired.
const TokenSafetyMargin = time.Minute * 5

// AppToken is a platform app access token with its expiry.
type AppToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ExchangeFunc performs the actual credential exchange against the platform.
type ExchangeFunc func(ctx context.Context) (*AppToken, error)

// TokenCache caches one shared app access token per platform credential.
// Concurrent callers against an empty or expired cache share a single
// in-flight exchange; a full sweep batch must never trigger dozens of
// simultaneous token requests.
type TokenCache struct {
	exchange ExchangeFunc

	mu      sync.Mutex
	current *AppToken

	sf singleflight.Group
}

func NewTokenCache(exchange ExchangeFunc) *TokenCache {
	return &TokenCache{
		exchange: exchange,
	}
}

// Token returns a valid access token, refreshing it if needed. On a failed
// refresh the cache stays empty and every waiter of that flight receives the
// same error.
func (tc *TokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	if tc.current != nil && time.Now().Before(tc.current.ExpiresAt.Add(-TokenSafetyMargin)) {
		token := tc.current.AccessToken
		tc.mu.Unlock()
		return token, nil
	}
	tc.mu.Unlock()

	v, err, _ := tc.sf.Do("token", func() (interface{}, error) {
		fresh, err := tc.exchange(ctx)
		if err != nil {
			return nil, err
		}

		tc.mu.Lock()
		tc.current = fresh
		tc.mu.Unlock()

		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Invalidate drops the cached token if it still matches the given value, so
// a caller holding a stale token after a 401 doesn't throw away a token that
// was refreshed in the meantime.
func (tc *TokenCache) Invalidate(token string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.current != nil && tc.current.AccessToken == token {
		tc.current = nil
	}
}
