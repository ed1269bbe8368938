package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/loopgate/internal/llm"
)

// ErrArchiveNotFound is returned by GetArchive for an unknown key.
var ErrArchiveNotFound = errors.New("archive not found")

// Archive stores messages dropped by context trimming under key.
// Archiving the same key twice keeps the first copy.
func (s *Store) Archive(ctx context.Context, key, requestID string, msgs []llm.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal archived messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trimmed_history (key, created_at, request_id, messages)
		 VALUES (?, ?, ?, ?)`,
		key,
		time.Now().UTC().Format(time.RFC3339),
		requestID,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("insert archive %s: %w", key, err)
	}
	return nil
}

// GetArchive returns the messages stored under key.
func (s *Store) GetArchive(ctx context.Context, key string) ([]llm.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM trimmed_history WHERE key = ?`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query archive %s: %w", key, err)
	}

	var msgs []llm.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", key, err)
	}
	return msgs, nil
}
