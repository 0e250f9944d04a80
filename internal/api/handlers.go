package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"cosplaygo/internal/models"
	"cosplaygo/internal/service/chat"
	"cosplaygo/internal/service/role"
)

// roleStore is the role persistence surface the handlers depend on.
type roleStore interface {
	List(ctx context.Context) ([]models.Role, error)
	Get(ctx context.Context, id int64) (*models.Role, error)
	ExistsByName(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, r models.Role) (*models.Role, error)
}

// Handler wires HTTP routes to the chat engine and the role services.
type Handler struct {
	roles     roleStore
	synth     *role.Synthesizer
	engine    *chat.Engine
	uploadDir string
	baseURL   string
}

// NewHandler constructs a Handler instance.
func NewHandler(roles roleStore, synth *role.Synthesizer, engine *chat.Engine, uploadDir, baseURL string) *Handler {
	return &Handler{
		roles:     roles,
		synth:     synth,
		engine:    engine,
		uploadDir: uploadDir,
		baseURL:   baseURL,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/chat", h.chat)
	api.GET("/chat/history", h.chatHistory)
	api.GET("/roles", h.listRoles)
	api.GET("/roles/:id", h.getRole)
	api.GET("/roles/:id/history", h.roleHistory)
	api.POST("/roles", h.createRole)
	if h.uploadDir != "" {
		router.Static("/uploads", h.uploadDir)
	}
}

// fail writes the uniform error body used by every non-2xx response.
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"status":  status,
		"error":   http.StatusText(status),
		"message": message,
	})
}

type chatRequest struct {
	RoleID    int64  `json:"roleId"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RoleID <= 0 {
		fail(c, http.StatusBadRequest, "roleId is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		fail(c, http.StatusBadRequest, "message cannot be blank")
		return
	}

	sessionID, reply, err := h.engine.Converse(c.Request.Context(), req.RoleID, req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, role.ErrRoleNotFound) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"reply":     reply,
	})
}

func (h *Handler) chatHistory(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		fail(c, http.StatusBadRequest, "sessionId is required")
		return
	}
	turns, err := h.engine.History(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, turns)
}

func (h *Handler) listRoles(c *gin.Context) {
	roles, err := h.roles.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, roles)
}

func (h *Handler) getRole(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid role id")
		return
	}
	r, err := h.roles.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, role.ErrRoleNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) roleHistory(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid role id")
		return
	}
	turns, err := h.engine.HistoryByRole(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, role.ErrRoleNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, turns)
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) createRole(c *gin.Context) {
	var req createRoleRequest
	multipart := strings.HasPrefix(c.ContentType(), "multipart/form-data")
	if multipart {
		req.Name = c.PostForm("name")
		req.Description = c.PostForm("description")
	} else if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	name := strings.TrimSpace(req.Name)
	description := strings.TrimSpace(req.Description)
	if name == "" || description == "" {
		fail(c, http.StatusBadRequest, "name and description are required")
		return
	}

	exists, err := h.roles.ExistsByName(c.Request.Context(), name)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if exists {
		fail(c, http.StatusBadRequest, role.ErrDuplicateRole.Error())
		return
	}

	var avatarURL, avatarPath string
	if multipart {
		if file, err := c.FormFile("avatar"); err == nil {
			avatarURL, avatarPath, err = h.saveAvatar(c, file)
			if err != nil {
				fail(c, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	content := h.synth.Synthesize(c.Request.Context(), name, description)
	created, err := h.roles.Create(c.Request.Context(), models.Role{
		Name:         name,
		Archetype:    content.Archetype,
		Description:  content.Description,
		SystemPrompt: content.SystemPrompt,
		AvatarURL:    avatarURL,
	})
	if err != nil {
		h.discardAvatar(avatarPath)
		if errors.Is(err, role.ErrDuplicateRole) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, created)
}
