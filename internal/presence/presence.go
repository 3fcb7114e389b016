// Package presence tracks which users currently hold a realtime connection.
//
// Entries are keyed by normalised email and hold one connection handle each:
// registering a second connection for the same email evicts the first one
// ("last tab wins"). Nothing here is persisted.
package presence

import (
	"sort"

	"healthmate/internal/models"

	"github.com/c-pro/geche"
)

// Registry maps a user email to its active connection handle.
type Registry[H comparable] interface {
	// Register stores h for email and returns the handle it replaced, if any.
	Register(email string, h H) (evicted H, replaced bool)
	Lookup(email string) (H, bool)
	// Unregister removes the entry only while it still points at h, so an
	// evicted connection closing late does not remove its successor.
	Unregister(email string, h H) bool
	// Online returns the emails with an active entry, sorted.
	Online() []string
}

// Local is an in-process Registry.
type Local[H comparable] struct {
	cache   *geche.MapCache[string, H]
	entries *geche.Locker[string, H]
}

var _ Registry[string] = (*Local[string])(nil)

func NewLocal[H comparable]() *Local[H] {
	cache := geche.NewMapCache[string, H]()
	return &Local[H]{
		cache:   cache,
		entries: geche.NewLocker[string, H](cache),
	}
}

func (l *Local[H]) Register(email string, h H) (H, bool) {
	key := models.NormalizeEmail(email)
	tx := l.entries.Lock()
	defer tx.Unlock()

	prev, err := tx.Get(key)
	tx.Set(key, h)
	if err != nil || prev == h {
		var zero H
		return zero, false
	}
	return prev, true
}

func (l *Local[H]) Lookup(email string) (H, bool) {
	tx := l.entries.RLock()
	defer tx.Unlock()

	h, err := tx.Get(models.NormalizeEmail(email))
	if err != nil {
		var zero H
		return zero, false
	}
	return h, true
}

func (l *Local[H]) Unregister(email string, h H) bool {
	key := models.NormalizeEmail(email)
	tx := l.entries.Lock()
	defer tx.Unlock()

	cur, err := tx.Get(key)
	if err != nil || cur != h {
		return false
	}
	return tx.Del(key) == nil
}

func (l *Local[H]) Online() []string {
	snapshot := l.cache.Snapshot()
	emails := make([]string, 0, len(snapshot))
	for email := range snapshot {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails
}
