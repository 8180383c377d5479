package session

import "context"

// ProfileSource loads the authoritative profile for a user.
type ProfileSource interface {
	LoadProfile(ctx context.Context, userID string) (Profile, error)
}

// ProfileCache keeps recently seen profiles for cache-then-revalidate.
type ProfileCache interface {
	Get(ctx context.Context, userID string) (Profile, bool, error)
	Set(ctx context.Context, p Profile) error
	Delete(ctx context.Context, userID string) error
}
