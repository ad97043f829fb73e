package credstore

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/authn"
	"github.com/ordermesh/backend-core/internal/cache"
	"github.com/ordermesh/backend-core/internal/eventbus"
	"github.com/ordermesh/backend-core/internal/retry"
)

// Named caches holding user projections. The TTL table in the service
// configuration keys on the same names.
const (
	CacheUserInfo  = "user-info"
	CacheUserByID  = "user-by-id"
	CacheUserRoles = "user-roles"
	CacheAllUsers  = "all-users"
)

// TopicUserUpdated carries user mutation events across the fleet. The
// envelope's aggregate id is the subject id.
const TopicUserUpdated = "user.updated"

// perUserCaches are evicted by subject id on a user event.
var perUserCaches = []string{CacheUserInfo, CacheUserByID, CacheUserRoles}

// CachedAuthorities wraps an authority loader with the user-roles
// projection cache. Misses fall through to the loader and repopulate;
// entries live until their TTL or until a user event evicts them, so a
// refresh observes role changes as soon as the mutation's event lands.
// A nil or unreachable cache degrades to direct loads.
func CachedAuthorities(tiers *cache.Cache, load authn.AuthorityLoader) authn.AuthorityLoader {
	if tiers == nil {
		return load
	}
	return func(ctx context.Context, subject string) ([]string, error) {
		var roles []string
		if err := tiers.GetJSON(ctx, CacheUserRoles, subject, &roles); err == nil {
			return roles, nil
		}
		roles, err := load(ctx, subject)
		if err != nil {
			return nil, err
		}
		if err := tiers.PutJSON(ctx, CacheUserRoles, subject, roles); err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("subject", subject).Msg("user roles cache write failed")
		}
		return roles, nil
	}
}

// CacheInvalidator returns the event handler that keeps cached user
// projections coherent with user mutations published elsewhere in the
// fleet. Per-user entries are evicted by subject id; the collection
// cache is cleared wholesale because any user change invalidates it.
// Eviction is attempted on every cache even when one fails, and the
// first failure is returned so the delivery is retried.
func CacheInvalidator(tiers *cache.Cache) eventbus.Handler {
	return func(ctx context.Context, env *eventbus.Envelope) error {
		if env.AggregateID == "" {
			return retry.Permanent(errors.New("user event without aggregate id"))
		}

		var firstErr error
		for _, name := range perUserCaches {
			if err := tiers.Evict(ctx, name, env.AggregateID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := tiers.Clear(ctx, CacheAllUsers); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
}
