package quota

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

const DefaultDailyLimit = 2

// Store is the slice of store.Store the limiter reads and writes.
type Store interface {
	IsUserAdmin(ctx context.Context, userID string) (bool, error)
	CountUserRequestsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CreateUserRequest(ctx context.Context, userID string, at time.Time) error
}

var _ Store = store.Store(nil)

// Limiter enforces a per-user daily request budget. Days start at midnight in
// the limiter's location. Checking and recording are separate calls, so two
// concurrent requests can both pass the check.
type Limiter struct {
	store    Store
	limit    int
	now      func() time.Time
	location *time.Location
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLocation(location *time.Location) Option {
	return func(l *Limiter) {
		if location != nil {
			l.location = location
		}
	}
}

func NewLimiter(s Store, limit int, opts ...Option) *Limiter {
	if limit < 0 {
		limit = DefaultDailyLimit
	}
	l := &Limiter{store: s, limit: limit, now: time.Now, location: time.Local}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Limit() int {
	return l.limit
}

// StartOfDay returns midnight of the current day in the limiter's location.
func (l *Limiter) StartOfDay() time.Time {
	now := l.now().In(l.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, l.location)
}

// CanMakeRequest reports whether userID still has budget today. Admins always do.
func (l *Limiter) CanMakeRequest(ctx context.Context, userID string) (bool, error) {
	since := l.StartOfDay()
	var isAdmin bool
	var count int
	var g errgroup.Group
	g.Go(func() error {
		var err error
		isAdmin, err = l.store.IsUserAdmin(ctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		count, err = l.store.CountUserRequestsSince(ctx, userID, since)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return isAdmin || count < l.limit, nil
}

// CreateUserRequest records one unit of usage for userID at the current time.
func (l *Limiter) CreateUserRequest(ctx context.Context, userID string) error {
	return l.store.CreateUserRequest(ctx, userID, l.now())
}
