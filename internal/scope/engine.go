package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrNoProfile is returned by stores when no profile row exists for a user.
// Resolution maps it to the empty profile rather than failing the session.
var ErrNoProfile = errors.New("no profile")

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

// ProfileCache holds resolved profiles for the lifetime of a session.
// Implementations must treat a miss as (zero, false, nil).
type ProfileCache interface {
	Get(ctx context.Context, userID string) (Profile, bool, error)
	Put(ctx context.Context, userID string, profile Profile) error
	Invalidate(ctx context.Context, userID string) error
}

// Engine resolves profiles once per authentication change; sign-in and
// sign-out transitions call Invalidate.
type Engine struct {
	store ProfileStore
	cache ProfileCache
}

func NewEngine(store ProfileStore, cache ProfileCache) *Engine {
	return &Engine{store: store, cache: cache}
}

func (e *Engine) Resolve(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, nil
	}
	if e.cache != nil {
		profile, ok, err := e.cache.Get(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("profile cache read failed, falling back to store")
		} else if ok {
			return profile, nil
		}
	}

	profile, err := e.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrNoProfile) {
		profile = Profile{}
	} else if err != nil {
		return Profile{}, fmt.Errorf("resolve profile: %w", err)
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, userID, profile); err != nil {
			return profile, nil // cache failure is not a resolution failure
		}
	}
	return profile, nil
}

func (e *Engine) Invalidate(ctx context.Context, userID string) error {
	if e.cache == nil || userID == "" {
		return nil
	}
	return e.cache.Invalidate(ctx, userID)
}
