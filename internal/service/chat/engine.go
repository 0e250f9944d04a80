package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cosplaygo/internal/llm"
	"cosplaygo/internal/models"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

const (
	// SessionWindow caps how many recent turns are replayed as model context
	// and returned by History. Older turns stay in storage.
	SessionWindow = 100
	// RoleWindow caps the cross-session recency query for one role.
	RoleWindow = 50
)

// RoleGetter resolves a persona by id.
type RoleGetter interface {
	Get(ctx context.Context, id int64) (*models.Role, error)
}

// Engine drives one conversation turn: it resolves the session, replays the
// bounded history window as context, calls the model and persists the
// completed turn.
type Engine struct {
	roles   RoleGetter
	store   *Store
	model   llm.Generator
	locks   *sessionLocks
	timeout time.Duration
}

// NewEngine builds a conversation engine. timeout bounds the model call;
// <= 0 selects the default.
func NewEngine(roles RoleGetter, store *Store, model llm.Generator, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Engine{
		roles:   roles,
		store:   store,
		model:   model,
		locks:   newSessionLocks(),
		timeout: timeout,
	}
}

// Converse runs one turn and returns the resolved session id and the reply.
// A blank sessionID starts a new session under a fresh opaque id; a supplied
// one is used as-is with no existence check, so an unknown id simply begins
// with an empty transcript. On any failure nothing is persisted. A model
// failure propagates to the caller; unlike role synthesis this path has no
// fallback content.
func (e *Engine) Converse(ctx context.Context, roleID int64, sessionID, userText string) (string, string, error) {
	role, err := e.roles.Get(ctx, roleID)
	if err != nil {
		return "", "", err
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// One turn at a time per session: the window read, the model call and
	// the append happen under the session lock.
	unlock := e.locks.lock(sessionID)
	defer unlock()

	recent, err := e.store.RecentBySession(ctx, sessionID, SessionWindow)
	if err != nil {
		return "", "", fmt.Errorf("load history window: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.model.Generate(genCtx, BuildMessages(role, recent, userText))
	if err != nil {
		return "", "", fmt.Errorf("generate reply: %w", err)
	}

	if _, err := e.store.AppendTurn(ctx, role.ID, sessionID, userText, resp.Content); err != nil {
		return "", "", err
	}
	return sessionID, resp.Content, nil
}

// History returns up to SessionWindow turns for the session, newest-first.
// Note this is the inverse of the chronological order used for context
// assembly.
func (e *Engine) History(ctx context.Context, sessionID string) ([]models.ChatTurn, error) {
	return e.store.RecentBySession(ctx, sessionID, SessionWindow)
}

// HistoryByRole returns up to RoleWindow turns across all sessions of one
// role, newest-first.
func (e *Engine) HistoryByRole(ctx context.Context, roleID int64) ([]models.ChatTurn, error) {
	if _, err := e.roles.Get(ctx, roleID); err != nil {
		return nil, err
	}
	return e.store.RecentByRole(ctx, roleID, RoleWindow)
}

// BuildMessages assembles the exact prompt for one turn: the role's system
// prompt, then each historical turn as a user/assistant pair in
// chronological order, then the new user message. recent is newest-first as
// returned by the store. Models are sensitive to message order, so this is
// kept as a pure function and tested for exact sequence and role tagging.
func BuildMessages(role *models.Role, recent []models.ChatTurn, userText string) []*schema.Message {
	messages := make([]*schema.Message, 0, 2*len(recent)+2)
	messages = append(messages, &schema.Message{Role: schema.System, Content: role.SystemPrompt})
	for i := len(recent) - 1; i >= 0; i-- {
		messages = append(messages,
			&schema.Message{Role: schema.User, Content: recent[i].UserMessage},
			&schema.Message{Role: schema.Assistant, Content: recent[i].AssistantReply},
		)
	}
	return append(messages, &schema.Message{Role: schema.User, Content: userText})
}
