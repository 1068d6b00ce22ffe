package subscription

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/models"
)

const (
	DefaultCacheTTL = 60 * time.Second
	keyPrefix       = "sub:"
)

// Store is the read side of the repository the resolver needs.
type Store interface {
	FindEnabled(ctx context.Context, tenantID int64, eventType string) ([]models.Subscription, error)
	FindByID(ctx context.Context, id int64) (*models.Subscription, error)
}

// Resolver answers "who receives this event" with a read-through cache.
type Resolver struct {
	store Store
	cache Cache
	ttl   time.Duration
}

func NewResolver(store Store, cache Cache, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{store: store, cache: cache, ttl: ttl}
}

// CacheKey is sub:<eventType>:<tenantID>.
func CacheKey(eventType string, tenantID int64) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, eventType, tenantID)
}

// FindSubscriptions returns the enabled subscriptions of tenantID plus the
// platform-wide ones for eventType. Cache failures fall back to the store.
func (r *Resolver) FindSubscriptions(ctx context.Context, tenantID int64, eventType string) ([]models.Subscription, error) {
	key := CacheKey(eventType, tenantID)
	if r.cache != nil {
		subs, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("cache_key", key).Msg("subscription cache read failed")
		} else if ok {
			return subs, nil
		}
	}

	subs, err := r.store.FindEnabled(ctx, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	if tenantID != models.PlatformTenantID {
		platform, err := r.store.FindEnabled(ctx, models.PlatformTenantID, eventType)
		if err != nil {
			return nil, err
		}
		subs = append(subs, platform...)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, subs, r.ttl); err != nil {
			log.Warn().Err(err).Str("cache_key", key).Msg("subscription cache write failed")
		}
	}
	return subs, nil
}

// RefreshCacheForTenant drops every cached list of tenantID. Platform
// subscriptions are part of every tenant's list, so refreshing tenant 0 drops
// the whole subscription cache.
func (r *Resolver) RefreshCacheForTenant(ctx context.Context, tenantID int64) error {
	if r.cache == nil {
		return nil
	}
	suffix := ":" + strconv.FormatInt(tenantID, 10)
	if tenantID == models.PlatformTenantID {
		suffix = ""
	}
	n, err := r.cache.DeleteSuffix(ctx, suffix)
	if err != nil {
		return err
	}
	log.Info().Int64("tenant_id", tenantID).Int("keys", n).Msg("subscription cache refreshed")
	return nil
}

func (r *Resolver) FindByID(ctx context.Context, id int64) (*models.Subscription, error) {
	return r.store.FindByID(ctx, id)
}
