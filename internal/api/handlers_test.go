package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"cosplaygo/internal/config"
	"cosplaygo/internal/models"
	"cosplaygo/internal/service/chat"
	"cosplaygo/internal/service/role"
	"cosplaygo/internal/storage"
)

type stubModel struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (s *stubModel) set(reply string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
	s.err = err
}

func (s *stubModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &schema.Message{Role: schema.Assistant, Content: s.reply}, nil
}

type modelError struct{ msg string }

func (e *modelError) Error() string { return e.msg }

func newAPITestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// A second pooled connection would see a fresh in-memory database.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *stubModel) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newAPITestDB(t)
	stub := &stubModel{reply: "ok"}
	roles := role.NewStore(db, nil)
	synth := role.NewSynthesizer(stub, time.Minute)
	engine := chat.NewEngine(roles, chat.NewStore(db, nil), stub, time.Minute)
	handler := NewHandler(roles, synth, engine, "", "")

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, stub
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

type errorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func createSageRole(t *testing.T, router *gin.Engine, stub *stubModel) int64 {
	t.Helper()
	stub.set(`{"archetype":"Mentor","description":"A wise guide","systemPrompt":"You are Sage..."}`, nil)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/roles", map[string]string{
		"name":        "Sage",
		"description": "wise mentor",
	})
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.ID <= 0 {
		t.Fatalf("expected role id, body: %s", resp.Body.String())
	}
	return body.ID
}

func TestCreateRoleEndToEnd(t *testing.T) {
	router, _, stub := newTestServer(t)
	stub.set(`{"archetype":"Mentor","description":"A wise guide","systemPrompt":"You are Sage..."}`, nil)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/roles", map[string]string{
		"name":        "Sage",
		"description": "wise mentor",
	})
	assertStatus(t, resp, http.StatusOK)

	var created struct {
		ID           int64     `json:"id"`
		Name         string    `json:"name"`
		Archetype    string    `json:"archetype"`
		Description  string    `json:"description"`
		SystemPrompt string    `json:"systemPrompt"`
		CreatedAt    time.Time `json:"createdAt"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)
	if created.Name != "Sage" || created.Archetype != "Mentor" || created.Description != "A wise guide" || created.SystemPrompt != "You are Sage..." {
		t.Fatalf("unexpected role content: %#v", created)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected createdAt to be set")
	}

	listResp := doJSONRequest(t, router, http.MethodGet, "/api/roles", nil)
	assertStatus(t, listResp, http.StatusOK)
	var roles []json.RawMessage
	decodeJSON(t, listResp.Body.Bytes(), &roles)
	if len(roles) != 1 {
		t.Fatalf("expected 1 role, got %d", len(roles))
	}

	getResp := doJSONRequest(t, router, http.MethodGet, "/api/roles/1", nil)
	assertStatus(t, getResp, http.StatusOK)
}

func TestGetRoleNotFound(t *testing.T) {
	router, _, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodGet, "/api/roles/999", nil)
	assertStatus(t, resp, http.StatusNotFound)
	var body errorBody
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != http.StatusNotFound || body.Error != "Not Found" || body.Message == "" {
		t.Fatalf("unexpected error body: %#v", body)
	}
}

func TestCreateRoleValidation(t *testing.T) {
	router, _, stub := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/roles", map[string]string{
		"name": "  ", "description": "x",
	})
	assertStatus(t, resp, http.StatusBadRequest)

	createSageRole(t, router, stub)

	// Names collide regardless of case.
	resp = doJSONRequest(t, router, http.MethodPost, "/api/roles", map[string]string{
		"name": "sAGE", "description": "another",
	})
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "already exists") {
		t.Fatalf("expected duplicate error, got %s", resp.Body.String())
	}
}

func TestCreateRoleWithFailingModel(t *testing.T) {
	router, _, stub := newTestServer(t)
	stub.set("", &modelError{msg: "model down"})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/roles", map[string]string{
		"name": "Merlin", "description": "an old wizard",
	})
	assertStatus(t, resp, http.StatusOK)
	var created struct {
		Archetype    string `json:"archetype"`
		Description  string `json:"description"`
		SystemPrompt string `json:"systemPrompt"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)
	if created.Archetype != "Conversation Partner" {
		t.Fatalf("expected fallback archetype, got %q", created.Archetype)
	}
	if created.Description != "an old wizard" {
		t.Fatalf("expected supplied description, got %q", created.Description)
	}
	if !strings.Contains(created.SystemPrompt, "You are Merlin") {
		t.Fatalf("expected identity line in fallback prompt, got %q", created.SystemPrompt)
	}
}

func TestChatEndToEnd(t *testing.T) {
	router, db, stub := newTestServer(t)
	roleID := createSageRole(t, router, stub)

	stub.set("Hello, traveler.", nil)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"roleId":  roleID,
		"message": "hello",
	})
	assertStatus(t, resp, http.StatusOK)
	var chatBody struct {
		SessionID string `json:"sessionId"`
		Reply     string `json:"reply"`
	}
	decodeJSON(t, resp.Body.Bytes(), &chatBody)
	if chatBody.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	if chatBody.Reply != "Hello, traveler." {
		t.Fatalf("unexpected reply %q", chatBody.Reply)
	}

	var storedSession, storedMessage string
	if err := db.QueryRow(`SELECT session_id, user_message FROM chat_history`).Scan(&storedSession, &storedMessage); err != nil {
		t.Fatalf("load turn: %v", err)
	}
	if storedSession != chatBody.SessionID || storedMessage != "hello" {
		t.Fatalf("persisted turn mismatch: (%q, %q)", storedSession, storedMessage)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"roleId":    roleID,
		"sessionId": chatBody.SessionID,
		"message":   "and again",
	})
	assertStatus(t, resp, http.StatusOK)
	var second struct {
		SessionID string `json:"sessionId"`
	}
	decodeJSON(t, resp.Body.Bytes(), &second)
	if second.SessionID != chatBody.SessionID {
		t.Fatalf("session id changed: %q vs %q", second.SessionID, chatBody.SessionID)
	}

	histResp := doJSONRequest(t, router, http.MethodGet, "/api/chat/history?sessionId="+chatBody.SessionID, nil)
	assertStatus(t, histResp, http.StatusOK)
	var turns []struct {
		ID          int64  `json:"id"`
		SessionID   string `json:"sessionId"`
		UserMessage string `json:"userMessage"`
	}
	decodeJSON(t, histResp.Body.Bytes(), &turns)
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].UserMessage != "and again" {
		t.Fatalf("history must be newest-first, got %q first", turns[0].UserMessage)
	}

	roleHistResp := doJSONRequest(t, router, http.MethodGet, "/api/roles/1/history", nil)
	assertStatus(t, roleHistResp, http.StatusOK)
}

func TestChatValidation(t *testing.T) {
	router, _, stub := newTestServer(t)
	createSageRole(t, router, stub)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"message": "hello",
	})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"roleId": 1, "message": "   ",
	})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"roleId": 999, "message": "hello",
	})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/history", nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func doMultipartCreate(t *testing.T, router *gin.Engine, name, description, avatarName string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("name", name); err != nil {
		t.Fatalf("write name field: %v", err)
	}
	if err := w.WriteField("description", description); err != nil {
		t.Fatalf("write description field: %v", err)
	}
	if avatarName != "" {
		fw, err := w.CreateFormFile("avatar", avatarName)
		if err != nil {
			t.Fatalf("create avatar part: %v", err)
		}
		if _, err := fw.Write([]byte{0x89, 'P', 'N', 'G'}); err != nil {
			t.Fatalf("write avatar part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/roles", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func countAvatarFiles(t *testing.T, uploadDir string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(uploadDir, "avatars"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read avatar dir: %v", err)
	}
	return len(entries)
}

func TestCreateRoleMultipartAvatar(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newAPITestDB(t)
	stub := &stubModel{reply: `{"archetype":"Mentor","description":"A wise guide","systemPrompt":"You are Sage..."}`}
	roles := role.NewStore(db, nil)
	uploadDir := t.TempDir()
	handler := NewHandler(roles, role.NewSynthesizer(stub, time.Minute),
		chat.NewEngine(roles, chat.NewStore(db, nil), stub, time.Minute),
		uploadDir, "http://localhost:8090")
	router := gin.New()
	handler.RegisterRoutes(router)

	resp := doMultipartCreate(t, router, "Sage", "wise mentor", "face.png")
	assertStatus(t, resp, http.StatusOK)
	var created struct {
		AvatarURL string `json:"avatarUrl"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)
	if !strings.HasPrefix(created.AvatarURL, "http://localhost:8090/uploads/avatars/") {
		t.Fatalf("unexpected avatar url %q", created.AvatarURL)
	}
	if n := countAvatarFiles(t, uploadDir); n != 1 {
		t.Fatalf("expected 1 stored avatar, got %d", n)
	}

	// Unsupported extension is rejected before anything is written.
	resp = doMultipartCreate(t, router, "Scribe", "a note taker", "face.txt")
	assertStatus(t, resp, http.StatusBadRequest)
	if n := countAvatarFiles(t, uploadDir); n != 1 {
		t.Fatalf("rejected upload must not be stored, got %d files", n)
	}
}

// lostRaceStore simulates a creation that passes the name pre-check but
// loses the insert race to a concurrent creation holding the same name.
type lostRaceStore struct {
	*role.Store
}

func (s *lostRaceStore) ExistsByName(ctx context.Context, name string) (bool, error) {
	return false, nil
}

func TestCreateRoleLostNameRaceRemovesAvatar(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newAPITestDB(t)
	stub := &stubModel{reply: `{"archetype":"Mentor","description":"A wise guide","systemPrompt":"You are Sage..."}`}
	real := role.NewStore(db, nil)
	if _, err := real.Create(context.Background(), models.Role{
		Name: "Sage", Archetype: "a", Description: "d", SystemPrompt: "s",
	}); err != nil {
		t.Fatalf("seed role: %v", err)
	}
	uploadDir := t.TempDir()
	handler := NewHandler(&lostRaceStore{Store: real}, role.NewSynthesizer(stub, time.Minute),
		chat.NewEngine(real, chat.NewStore(db, nil), stub, time.Minute),
		uploadDir, "")
	router := gin.New()
	handler.RegisterRoutes(router)

	resp := doMultipartCreate(t, router, "Sage", "another", "face.png")
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "already exists") {
		t.Fatalf("expected duplicate error, got %s", resp.Body.String())
	}
	if n := countAvatarFiles(t, uploadDir); n != 0 {
		t.Fatalf("orphaned avatar left behind: %d files", n)
	}
}

func TestChatModelFailure(t *testing.T) {
	router, db, stub := newTestServer(t)
	roleID := createSageRole(t, router, stub)

	stub.set("", &modelError{msg: "model down"})
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"roleId":  roleID,
		"message": "hello",
	})
	assertStatus(t, resp, http.StatusInternalServerError)
	var body errorBody
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != http.StatusInternalServerError || body.Message == "" {
		t.Fatalf("unexpected error body: %#v", body)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chat_history`).Scan(&count); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if count != 0 {
		t.Fatalf("no turn may be written on model failure, got %d", count)
	}
}
