package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SessionStore is the hybrid session layer: a TTL cache in front of
// the SQLite store. Reads fall through to SQLite on a miss and
// repopulate the cache; writes go to both, database first.
type SessionStore struct {
	cache  *Cache
	db     *SQLiteStore
	logger zerolog.Logger
}

// NewSessionStore creates the hybrid store over an open SQLite store.
func NewSessionStore(db *SQLiteStore, ttl time.Duration, logger zerolog.Logger) *SessionStore {
	return &SessionStore{
		cache:  NewCache(ttl),
		db:     db,
		logger: logger,
	}
}

// Get returns a copy of the session. A cache miss reads the database
// and warms the cache.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if session, ok := s.cache.Get(id); ok {
		return session, nil
	}

	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Put(session)
	s.logger.Debug().Str("session_id", id).Msg("Session cache repopulated from database")
	return session.Clone(), nil
}

// Save writes the session to the database and then the cache. A
// database failure leaves the stale cache entry untouched.
func (s *SessionStore) Save(ctx context.Context, session *Session) error {
	if err := s.db.SaveSession(ctx, session); err != nil {
		return err
	}
	s.cache.Put(session)
	return nil
}

// Archive marks the session archived and evicts it from the cache.
func (s *SessionStore) Archive(ctx context.Context, id string) error {
	if err := s.db.ArchiveSession(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(id)
	return nil
}

// List returns sessions straight from the database. Listing is rare
// enough that it skips the cache.
func (s *SessionStore) List(ctx context.Context, includeArchived bool) ([]*Session, error) {
	return s.db.ListSessions(ctx, includeArchived)
}

// Sweep evicts expired cache entries.
func (s *SessionStore) Sweep() int {
	removed := s.cache.Sweep()
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Expired sessions swept from cache")
	}
	return removed
}

// Cached reports the number of cache entries, for diagnostics.
func (s *SessionStore) Cached() int {
	return s.cache.Len()
}
