package role

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cosplaygo/internal/models"
	"cosplaygo/internal/redis"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrRoleNotFound reports a lookup for a role id that does not exist.
	ErrRoleNotFound = errors.New("role not found")
	// ErrDuplicateRole reports a creation attempt with a name that already
	// exists under case-insensitive comparison.
	ErrDuplicateRole = errors.New("role name already exists")
)

const cacheTTL = 30 * time.Minute

// Store persists roles. The optional redis client caches role records by id;
// cache failures are logged and never surface to callers.
type Store struct {
	db    *sql.DB
	cache *redis.Client
}

// NewStore builds a role store. cache may be nil.
func NewStore(db *sql.DB, cache *redis.Client) *Store {
	return &Store{db: db, cache: cache}
}

// List returns all roles ordered by creation time.
func (s *Store) List(ctx context.Context) ([]models.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, archetype, description, system_prompt, avatar_url, created_at
		 FROM roles ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	roles := make([]models.Role, 0)
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Archetype, &r.Description, &r.SystemPrompt, &r.AvatarURL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Get returns one role by id or ErrRoleNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*models.Role, error) {
	if cached := s.loadCached(ctx, id); cached != nil {
		return cached, nil
	}

	var r models.Role
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, archetype, description, system_prompt, avatar_url, created_at
		 FROM roles WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &r.Archetype, &r.Description, &r.SystemPrompt, &r.AvatarURL, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	s.cacheRole(ctx, &r)
	return &r, nil
}

// ExistsByName reports whether a role with the given name exists, compared
// case-insensitively.
func (s *Store) ExistsByName(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM roles WHERE LOWER(name) = LOWER(?))`, strings.TrimSpace(name),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check role name: %w", err)
	}
	return exists, nil
}

// Create inserts a new role and returns the stored record. The pre-check and
// the insert are not one atomic step, so the unique index on the name is the
// real guard; a constraint violation from a concurrent creation maps to
// ErrDuplicateRole just like the pre-check does.
func (s *Store) Create(ctx context.Context, r models.Role) (*models.Role, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return nil, errors.New("role name is required")
	}

	exists, err := s.ExistsByName(ctx, r.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateRole
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (name, archetype, description, system_prompt, avatar_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Name, r.Archetype, r.Description, r.SystemPrompt, r.AvatarURL, now,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicateRole
		}
		return nil, fmt.Errorf("create role: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("role id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	s.cacheRole(ctx, &r)
	return &r, nil
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return true
	}
	return false
}

func (s *Store) cacheKey(id int64) string {
	return fmt.Sprintf("role:%d", id)
}

func (s *Store) cacheRole(ctx context.Context, r *models.Role) {
	if s.cache == nil || r == nil || r.ID <= 0 {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("role cache marshal failed: %v", err)
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(r.ID), data, cacheTTL); err != nil {
		log.Printf("role cache set failed: %v", err)
	}
}

func (s *Store) loadCached(ctx context.Context, id int64) *models.Role {
	if s.cache == nil || id <= 0 {
		return nil
	}
	raw, err := s.cache.Get(ctx, s.cacheKey(id))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("role cache get failed: %v", err)
		}
		return nil
	}
	var r models.Role
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		log.Printf("role cache decode failed: %v", err)
		return nil
	}
	return &r
}
