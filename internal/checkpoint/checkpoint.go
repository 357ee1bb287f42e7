package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

// ErrCorrupt is returned when a stored position cannot be decoded
var ErrCorrupt = errors.New("corrupt checkpoint")

// Store persists the read position of a single tailed file
type Store interface {
	// Load returns the stored position. ok is false when nothing is stored yet.
	Load() (pos types.FilePosition, ok bool, err error)

	// Save stores pos synchronously
	Save(pos types.FilePosition) error

	// Remove deletes the stored position
	Remove() error

	// Close releases resources held by the store
	Close() error
}

// DefaultPath returns the side file used for logPath when none is configured
func DefaultPath(logPath string) string {
	return logPath + ".offset"
}

// FileStore keeps the position in a two-line side file: inode, then offset.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the side file at path
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the side file path
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the side file. A missing or empty file means "start of file".
func (s *FileStore) Load() (types.FilePosition, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.FilePosition{}, false, nil
		}
		return types.FilePosition{}, false, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return types.FilePosition{}, false, nil
	}

	pos, err := decode(string(data))
	if err != nil {
		return types.FilePosition{}, false, fmt.Errorf("%s: %w", s.path, err)
	}
	return pos, true, nil
}

// Save writes the side file
func (s *FileStore) Save(pos types.FilePosition) error {
	data := fmt.Sprintf("%d\n%d\n", pos.Inode, pos.Offset)

	// Write to temporary file first, then rename for atomicity
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

// Remove deletes the side file; a missing file is not an error
func (s *FileStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	return nil
}

// Close is a no-op for the side file store
func (s *FileStore) Close() error {
	return nil
}

func decode(data string) (types.FilePosition, error) {
	lines := strings.Fields(data)
	if len(lines) != 2 {
		return types.FilePosition{}, fmt.Errorf("%w: expected 2 values, got %d", ErrCorrupt, len(lines))
	}

	inode, err := strconv.ParseUint(lines[0], 10, 64)
	if err != nil {
		return types.FilePosition{}, fmt.Errorf("%w: bad inode %q", ErrCorrupt, lines[0])
	}

	offset, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil || offset < 0 {
		return types.FilePosition{}, fmt.Errorf("%w: bad offset %q", ErrCorrupt, lines[1])
	}

	return types.FilePosition{Inode: inode, Offset: offset}, nil
}
