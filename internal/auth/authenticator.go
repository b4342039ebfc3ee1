package auth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-monitor/gateway/internal/config"
)

// KeyLookup resolves an API key to its owner. An unknown key returns "".
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	owner     string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	lookup     KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewAuthenticator builds a validator over the configured static keys and an
// optional lookup. lookup may be nil, in which case only static keys pass.
func NewAuthenticator(cfg *config.Config, lookup KeyLookup, log logrus.FieldLogger) *Authenticator {
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Authenticator{
		lookup:     lookup,
		ttl:        time.Duration(cfg.AuthCacheTTLSeconds) * time.Second,
		staticKeys: staticKeys,
		log:        log,
		now:        time.Now,
	}
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: backing lookup
	if a.lookup == nil {
		return false
	}
	owner, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.log.WithError(err).Warn("api key lookup failed")
		return false
	}
	if owner == "" {
		return false
	}

	a.localCache.Store(apiKey, cacheEntry{
		owner:     owner,
		expiresAt: a.now().Add(a.ttl),
	})

	return true
}
