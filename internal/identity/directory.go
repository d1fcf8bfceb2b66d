// Package identity resolves callers and participant identifiers to users.
// The user records themselves are owned by the account service; this package
// only reads them.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"imperious/messaging-service/internal/models"
)

var (
	ErrUserNotFound = errors.New("identity: user not found")
	ErrInvalidToken = errors.New("identity: invalid token")
)

type Directory interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Resolve looks identifier up as an email when it contains "@", otherwise as a user id.
func Resolve(ctx context.Context, dir Directory, identifier string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrUserNotFound
	}
	if strings.Contains(identifier, "@") {
		return dir.FindByEmail(ctx, identifier)
	}
	return dir.FindByID(ctx, identifier)
}

// MemoryDirectory is a Directory over a fixed set of users. Emails match
// case-insensitively.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]models.User
	byEmail map[string]string
}

func NewMemoryDirectory(users ...models.User) *MemoryDirectory {
	d := &MemoryDirectory{
		byID:    make(map[string]models.User),
		byEmail: make(map[string]string),
	}
	d.Add(users...)
	return d
}

func (d *MemoryDirectory) Add(users ...models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range users {
		if u.ID == "" || u.Email == "" {
			continue
		}
		d.byID[u.ID] = u
		d.byEmail[strings.ToLower(u.Email)] = u.ID
	}
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, email string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := d.byID[id]
	return &u, nil
}

func (d *MemoryDirectory) FindByID(_ context.Context, id string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}
