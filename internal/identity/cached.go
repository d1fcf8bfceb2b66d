package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"imperious/messaging-service/internal/cache"
	"imperious/messaging-service/internal/models"
)

// CachedDirectory serves lookups from a cache before falling through to the
// wrapped Directory. Misses for unknown users are not cached.
type CachedDirectory struct {
	next   Directory
	cache  cache.Cache
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedDirectory(next Directory, c cache.Cache, ttl time.Duration, logger *logrus.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, cache: c, ttl: ttl, logger: logger}
}

func (d *CachedDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	key := "identity:email:" + strings.ToLower(strings.TrimSpace(email))
	return d.lookup(ctx, key, func() (*models.User, error) { return d.next.FindByEmail(ctx, email) })
}

func (d *CachedDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	return d.lookup(ctx, "identity:id:"+id, func() (*models.User, error) { return d.next.FindByID(ctx, id) })
}

func (d *CachedDirectory) lookup(ctx context.Context, key string, load func() (*models.User, error)) (*models.User, error) {
	raw, err := d.cache.Get(ctx, key)
	switch {
	case err == nil:
		var u models.User
		if jsonErr := json.Unmarshal([]byte(raw), &u); jsonErr == nil {
			return &u, nil
		}
		d.logger.WithField("key", key).Warn("Discarding undecodable identity cache entry")
	case !errors.Is(err, cache.ErrMiss):
		d.logger.WithError(err).WithField("key", key).Warn("Identity cache read failed")
	}

	u, err := load()
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(u); err == nil {
		if err := d.cache.Set(ctx, key, string(b), d.ttl); err != nil {
			d.logger.WithError(err).WithField("key", key).Warn("Identity cache write failed")
		}
	}
	return u, nil
}
