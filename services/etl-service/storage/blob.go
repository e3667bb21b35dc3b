package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("object not found")

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// 对象键布局
const (
	rawPrefix       = "raw"
	markdownPrefix  = "markdown"
	processedPrefix = "processed"
)

// RawKey 原始上传: raw/<user>/<project>/<uuid><ext>
func RawKey(userID, projectID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return path.Join(rawPrefix, userID, projectID, uuid.NewString()+ext)
}

func MarkdownKey(taskID uint64) string {
	return path.Join(markdownPrefix, fmt.Sprintf("%d.md", taskID))
}

func ProcessedKey(taskID uint64) string {
	return path.Join(processedPrefix, fmt.Sprintf("%d.json", taskID))
}

func ContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".ppt", ".pptx":
		return "application/vnd.ms-powerpoint"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
