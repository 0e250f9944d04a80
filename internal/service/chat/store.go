package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cosplaygo/internal/models"
	"cosplaygo/internal/redis"
)

const historyCacheTTL = 30 * time.Minute

// Store is the append-only chat transcript. Turns are never updated or
// deleted; recency queries order newest-first by creation time with the row
// id as tie-breaker. The optional redis client caches the full session
// window; AppendTurn is its only writer.
type Store struct {
	db    *sql.DB
	cache *redis.Client
}

// NewStore builds a chat store. cache may be nil.
func NewStore(db *sql.DB, cache *redis.Client) *Store {
	return &Store{db: db, cache: cache}
}

// AppendTurn persists one completed turn with the persistence time as
// createdAt, refreshes the cached session window and returns the stored
// record.
func (s *Store) AppendTurn(ctx context.Context, roleID int64, sessionID, userMessage, assistantReply string) (*models.ChatTurn, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (role_id, session_id, user_message, assistant_reply, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		roleID, sessionID, userMessage, assistantReply, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("turn id: %w", err)
	}
	s.refreshWindow(ctx, sessionID)
	return &models.ChatTurn{
		ID:             id,
		RoleID:         roleID,
		SessionID:      sessionID,
		UserMessage:    userMessage,
		AssistantReply: assistantReply,
		CreatedAt:      now,
	}, nil
}

// RecentBySession returns up to limit turns for the session, newest-first.
// The read path never writes the cache: an unlocked reader racing an append
// could otherwise write a window read before the insert back over the fresh
// one and serve it until the next append or the TTL. Population happens only
// in AppendTurn, which callers serialize per session.
func (s *Store) RecentBySession(ctx context.Context, sessionID string, limit int) ([]models.ChatTurn, error) {
	if cached, ok := s.loadCachedWindow(ctx, sessionID, limit); ok {
		return cached, nil
	}
	return s.queryRecent(ctx,
		`SELECT id, role_id, session_id, user_message, assistant_reply, created_at
		 FROM chat_history WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
}

// RecentByRole returns up to limit turns across all sessions of a role,
// newest-first.
func (s *Store) RecentByRole(ctx context.Context, roleID int64, limit int) ([]models.ChatTurn, error) {
	return s.queryRecent(ctx,
		`SELECT id, role_id, session_id, user_message, assistant_reply, created_at
		 FROM chat_history WHERE role_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		roleID, limit,
	)
}

func (s *Store) queryRecent(ctx context.Context, query string, args ...any) ([]models.ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	turns := make([]models.ChatTurn, 0)
	for rows.Next() {
		var t models.ChatTurn
		if err := rows.Scan(&t.ID, &t.RoleID, &t.SessionID, &t.UserMessage, &t.AssistantReply, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func sessionCacheKey(sessionID string) string {
	return "chat:history:" + sessionID
}

// The cache only serves the standard context window; other limits go to the
// database directly.
func (s *Store) loadCachedWindow(ctx context.Context, sessionID string, limit int) ([]models.ChatTurn, bool) {
	if s.cache == nil || limit != SessionWindow {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, sessionCacheKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("history cache get failed: %v", err)
		}
		return nil, false
	}
	var turns []models.ChatTurn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		log.Printf("history cache decode failed: %v", err)
		return nil, false
	}
	return turns, true
}

// refreshWindow replaces the cached window with the current database state.
// If the recompute fails the entry is dropped instead so a stale window is
// never left behind.
func (s *Store) refreshWindow(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	turns, err := s.queryRecent(ctx,
		`SELECT id, role_id, session_id, user_message, assistant_reply, created_at
		 FROM chat_history WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, SessionWindow,
	)
	if err != nil {
		log.Printf("history cache refresh failed: %v", err)
		s.invalidateSession(ctx, sessionID)
		return
	}
	data, err := json.Marshal(turns)
	if err != nil {
		log.Printf("history cache marshal failed: %v", err)
		s.invalidateSession(ctx, sessionID)
		return
	}
	if err := s.cache.Set(ctx, sessionCacheKey(sessionID), data, historyCacheTTL); err != nil {
		log.Printf("history cache set failed: %v", err)
	}
}

func (s *Store) invalidateSession(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, sessionCacheKey(sessionID)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("history cache invalidate failed: %v", err)
	}
}
