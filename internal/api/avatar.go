package api

import (
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxAvatarBytes = 5 << 20 // 5 MB

var allowedAvatarExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// saveAvatar validates and stores an uploaded avatar image, returning its
// public URL and its path on disk. Filenames are replaced with a generated id
// so uploads cannot collide or escape the avatar directory.
func (h *Handler) saveAvatar(c *gin.Context, file *multipart.FileHeader) (string, string, error) {
	if h.uploadDir == "" {
		return "", "", errors.New("avatar uploads are not configured")
	}
	if file.Size > maxAvatarBytes {
		return "", "", errors.New("avatar file too large (max 5MB)")
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedAvatarExts[ext] {
		return "", "", fmt.Errorf("unsupported avatar format %s", ext)
	}

	destDir := filepath.Join(h.uploadDir, "avatars")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create avatar directory: %w", err)
	}
	filename := uuid.NewString() + ext
	path := filepath.Join(destDir, filename)
	if err := c.SaveUploadedFile(file, path); err != nil {
		return "", "", fmt.Errorf("save avatar: %w", err)
	}
	return h.baseURL + "/uploads/avatars/" + filename, path, nil
}

// discardAvatar removes a stored avatar whose role row was never created,
// such as when a concurrent creation wins the name race at the unique index.
func (h *Handler) discardAvatar(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		log.Printf("remove orphaned avatar: %v", err)
	}
}
