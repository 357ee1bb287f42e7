package tailer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

// Options controls how a Tailer reads and persists its position
type Options struct {
	// SyncEvery persists the position every N lines. 0 persists only when
	// no more data is available; 1 persists after every line.
	SyncEvery int

	// OnUpdate is called immediately before each persistence
	OnUpdate func()

	// CopyTruncate follows copytruncate rotations
	CopyTruncate bool

	// ReadFromEnd starts at the end of the file when no position is stored
	ReadFromEnd bool

	// FullLines holds back a trailing line until its newline is written
	FullLines bool

	// ExtraPatterns are additional rotated file globs, %s is the base name
	ExtraPatterns []string
}

type state int

const (
	stateReadingLive state = iota
	stateDrainingRotated
)

// Tailer reads lines appended to a file since the last stored position
type Tailer struct {
	path   string
	store  checkpoint.Store
	opts   Options
	logger *logging.Logger

	state   state
	current string
	file    *os.File
	gz      *gzip.Reader
	reader  *bufio.Reader
	inode   uint64
	offset  int64
	partial string

	sinceSave    int
	saved        types.FilePosition
	savedOnce    bool
	shrinkWarned bool
}

// Open creates a Tailer for path positioned at the stored offset. When the
// stored inode or size no longer matches the file, the rotated file is
// located and drained first.
func Open(path string, store checkpoint.Store, opts Options, logger *logging.Logger) (*Tailer, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	t := &Tailer{
		path:   path,
		store:  store,
		opts:   opts,
		logger: logger.WithComponent("tailer").WithField("path", path),
	}

	pos, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load offset for %s: %w", path, err)
	}

	liveInode, liveSize, err := statInode(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	switch {
	case !ok:
		var offset int64
		if opts.ReadFromEnd {
			offset = liveSize
			t.logger.Info().Int64("offset", offset).Msg("Starting from end of file")
		}
		err = t.openLive(offset)

	case pos.Inode == liveInode && liveSize >= pos.Offset:
		t.logger.Info().Int64("offset", pos.Offset).Msg("Resuming from checkpoint")
		err = t.openLive(pos.Offset)

	default:
		rotated := t.determineRotated(pos, liveInode)
		switch {
		case rotated != "":
			t.logger.Info().
				Str("rotated", rotated).
				Int64("offset", pos.Offset).
				Msg("File rotated, draining rotated file first")
			err = t.openRotated(rotated, pos.Offset)

		case pos.Inode == liveInode:
			t.logger.Warn().
				Int64("expected_bytes", pos.Offset).
				Int64("actual_bytes", liveSize).
				Bool("copytruncate", opts.CopyTruncate).
				Msg("File shrank and no rotated file could be used, keeping position")
			t.shrinkWarned = true
			err = t.openLive(pos.Offset)

		default:
			t.logger.Warn().
				Uint64("recorded_inode", pos.Inode).
				Uint64("inode", liveInode).
				Msg("File replaced and rotated file not found, reading from start")
			err = t.openLive(0)
		}
	}
	if err != nil {
		return nil, err
	}

	return t, nil
}

// Path returns the tailed path
func (t *Tailer) Path() string {
	return t.path
}

// Inode returns the inode of the file currently being read
func (t *Tailer) Inode() uint64 {
	return t.inode
}

// Offset returns the number of bytes consumed from the current file
func (t *Tailer) Offset() int64 {
	return t.offset
}

// Rotated returns the rotated file being drained, or ""
func (t *Tailer) Rotated() string {
	if t.state == stateDrainingRotated {
		return t.current
	}
	return ""
}

// Next returns the next available line. ok is false when no more data is
// currently available; this is not an error.
func (t *Tailer) Next() (line string, ok bool, err error) {
	line, ok, err = t.readLine(t.state == stateDrainingRotated)
	if err != nil {
		return "", false, err
	}

	if !ok {
		switched, leftover, err := t.advanceSource()
		if err != nil {
			return "", false, err
		}
		switch {
		case leftover != "":
			line, ok = leftover, true
		case switched:
			line, ok, err = t.readLine(t.state == stateDrainingRotated)
			if err != nil {
				return "", false, err
			}
		}
	}

	if !ok {
		if err := t.persist(); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	t.sinceSave++
	if t.opts.SyncEvery > 0 && t.sinceSave >= t.opts.SyncEvery {
		if err := t.persist(); err != nil {
			return "", false, err
		}
	}

	return line, true, nil
}

// Drain calls fn for every currently available line and returns the count
func (t *Tailer) Drain(fn func(line string)) (int, error) {
	var n int
	for {
		line, ok, err := t.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		fn(line)
		n++
	}
}

// Close persists the position and closes the open file
func (t *Tailer) Close() error {
	err := t.persist()
	t.closeFile()
	return err
}

// advanceSource is called when the current file has no more data. It
// reports whether a different file was opened, or returns a held-back line
// that must be emitted before switching.
func (t *Tailer) advanceSource() (switched bool, leftover string, err error) {
	if t.state == stateDrainingRotated {
		t.logger.Info().Str("rotated", t.current).Msg("Rotated file drained, switching to live file")
		return true, "", t.openLive(0)
	}

	inode, size, err := statInode(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Deleted and not yet recreated
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to stat file: %w", err)
	}

	if inode != t.inode {
		// Renamed under us and fully read
		if t.partial != "" {
			return false, t.takePartial(), nil
		}
		t.logger.Info().Uint64("inode", inode).Msg("File replaced, switching to new file")
		return true, "", t.openLive(0)
	}

	if size < t.offset {
		t.partial = ""
		if !t.opts.CopyTruncate {
			if !t.shrinkWarned {
				t.logger.Warn().
					Int64("expected_bytes", t.offset).
					Int64("actual_bytes", size).
					Msg("File shrank and copytruncate support is disabled")
				t.shrinkWarned = true
			}
			return false, "", nil
		}

		pos := types.FilePosition{Inode: t.inode, Offset: t.offset}
		if rotated := t.determineRotated(pos, inode); rotated != "" {
			t.logger.Info().Str("rotated", rotated).Msg("File truncated, draining copied file first")
			return true, "", t.openRotated(rotated, t.offset)
		}
		t.logger.Info().Msg("File truncated, reading from start")
		return true, "", t.openLive(0)
	}

	return false, "", nil
}

func (t *Tailer) readLine(final bool) (string, bool, error) {
	chunk, err := t.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false, fmt.Errorf("failed to read %s: %w", t.current, err)
	}

	if err == io.EOF {
		t.partial += chunk
		if t.partial == "" || (t.opts.FullLines && !final) {
			return "", false, nil
		}
		return t.takePartial(), true, nil
	}

	data := t.partial + chunk
	t.partial = ""
	t.offset += int64(len(data))
	return strings.TrimRight(data, "\r\n"), true, nil
}

func (t *Tailer) takePartial() string {
	data := t.partial
	t.partial = ""
	t.offset += int64(len(data))
	return strings.TrimRight(data, "\r\n")
}

func (t *Tailer) persist() error {
	pos := types.FilePosition{Inode: t.inode, Offset: t.offset}
	if t.savedOnce && pos == t.saved {
		t.sinceSave = 0
		return nil
	}

	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate()
	}
	if err := t.store.Save(pos); err != nil {
		return fmt.Errorf("failed to save offset for %s: %w", t.path, err)
	}

	t.saved = pos
	t.savedOnce = true
	t.sinceSave = 0
	return nil
}

func (t *Tailer) openLive(offset int64) error {
	t.state = stateReadingLive
	return t.openFile(t.path, offset)
}

func (t *Tailer) openRotated(path string, offset int64) error {
	t.state = stateDrainingRotated
	return t.openFile(path, offset)
}

// openFile opens path and positions it at offset. Offsets into gzip files
// count uncompressed bytes.
func (t *Tailer) openFile(path string, offset int64) error {
	t.closeFile()

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat file: %w", err)
	}

	var src io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		switch {
		case err == io.EOF:
			src = strings.NewReader("")
			offset = 0
		case err != nil:
			file.Close()
			return fmt.Errorf("failed to create gzip reader: %w", err)
		default:
			t.gz = gz
			src = gz
			if offset > 0 {
				skipped, err := io.CopyN(io.Discard, gz, offset)
				if err != nil && err != io.EOF {
					t.gz.Close()
					file.Close()
					return fmt.Errorf("failed to skip to offset: %w", err)
				}
				offset = skipped
			}
		}
	} else if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek to offset: %w", err)
	}

	t.current = path
	t.file = file
	t.reader = bufio.NewReader(src)
	t.inode = getInode(stat)
	t.offset = offset
	t.partial = ""
	return nil
}

func (t *Tailer) closeFile() {
	if t.gz != nil {
		t.gz.Close()
		t.gz = nil
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to close file")
		}
		t.file = nil
	}
}
