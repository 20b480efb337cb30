package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/account-sync/internal/storage"
)

// DecodeRegistrationCursor parses an opaque page cursor. An empty string is
// the first page.
func DecodeRegistrationCursor(cursorStr string) (*storage.RegistrationCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt, id int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
		return nil, fmt.Errorf("invalid id in cursor: %w", err)
	}

	return &storage.RegistrationCursor{
		CreatedAt: time.Unix(0, createdAt),
		ID:        id,
	}, nil
}

// EncodeRegistrationCursor is the inverse of DecodeRegistrationCursor
func EncodeRegistrationCursor(cursor storage.RegistrationCursor) string {
	cs := fmt.Sprintf("%d|%d", cursor.CreatedAt.UnixNano(), cursor.ID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
