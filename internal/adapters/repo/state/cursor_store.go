package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/bnema/vpnledger/internal/ports"
)

const (
	cursorFileMode  = 0o600
	cursorDirMode   = 0o700
	tempFilePattern = ".cursor-*.toml.tmp"

	currentSchemaVersion = 1
)

// CursorStore persists the chain scan cursor as a small TOML file next
// to the database. The file is replaced atomically so a crash mid-save
// leaves either the old cursor or the new one, never a torn file.
type CursorStore struct {
	path string
	mu   *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.CursorStore = (*CursorStore)(nil)

type fileSchema struct {
	Version   int    `toml:"version"`
	LastBlock string `toml:"last_block"`
	UpdatedAt string `toml:"updated_at,omitempty"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported cursor schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

func NewCursorStore(path string) (*CursorStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve cursor path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	return &CursorStore{path: absPath, mu: lockForPath(absPath)}, nil
}

func (s *CursorStore) Load(ctx context.Context) (ports.ChainCursor, error) {
	if err := ctx.Err(); err != nil {
		return ports.ChainCursor{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ports.ChainCursor{}, nil
		}
		return ports.ChainCursor{}, fmt.Errorf("read cursor file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return ports.ChainCursor{}, fmt.Errorf("decode cursor file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return ports.ChainCursor{}, err
	}

	cursor := ports.ChainCursor{LastBlock: file.LastBlock}
	if file.UpdatedAt != "" {
		updatedAt, err := time.Parse(time.RFC3339, file.UpdatedAt)
		if err != nil {
			return ports.ChainCursor{}, fmt.Errorf("parse cursor timestamp: %w", err)
		}
		cursor.UpdatedAt = updatedAt
	}

	return cursor, nil
}

func (s *CursorStore) Save(ctx context.Context, cursor ports.ChainCursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file := fileSchema{Version: currentSchemaVersion, LastBlock: cursor.LastBlock}
	if !cursor.UpdatedAt.IsZero() {
		file.UpdatedAt = cursor.UpdatedAt.UTC().Format(time.RFC3339)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode cursor file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), cursorDirMode); err != nil {
		return fmt.Errorf("create cursor directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp cursor file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp cursor file: %w", err)
	}

	if err := tempFile.Chmod(cursorFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp cursor file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp cursor file: %w", err)
	}

	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}

	cleanup = false

	return nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}
