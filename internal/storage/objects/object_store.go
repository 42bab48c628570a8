package objects

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
)

// Store is a content-addressed filesystem object store for run artifacts.
// Objects are written under <root>/<runId>/<sha256>.png, so re-uploading the
// same bytes is idempotent.
type Store struct {
	root   string
	logger arbor.ILogger
}

func NewStore(root string, logger arbor.ILogger) (interfaces.ObjectStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) Upload(ctx context.Context, runID, key string, data []byte) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run ID is required")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty artifact %s for run %s", key, runID)
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + ".png"
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run artifact directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		// Same content already stored
		return path, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	s.logger.Debug().
		Str("run_id", runID).
		Str("key", key).
		Str("path", path).
		Msg("Stored run artifact")

	return path, nil
}
