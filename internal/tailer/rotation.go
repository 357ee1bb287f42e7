package tailer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

var (
	digits8  = strings.Repeat("[0-9]", 8)
	digits10 = strings.Repeat("[0-9]", 10)

	// Glob patterns for dated rotation schemes; %s is the base file name.
	// Order matters: the first pattern with any match wins.
	datedPatterns = []string{
		// logrotate dateext, dateformat -%Y%m%d, delaycompress
		"%s-" + digits8,
		// logrotate dateext, dateformat -%Y%m%d
		"%s-" + digits8 + ".gz",
		// logrotate dateext, dateformat -%Y%m%d-%s, delaycompress
		"%s-" + digits8 + "-" + digits10,
		// logrotate dateext, dateformat -%Y%m%d-%s
		"%s-" + digits8 + "-" + digits10 + ".gz",
		// TimedRotatingFileHandler
		"%s.[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]",
	}
)

// ResolveRotated returns the path most likely holding the pre-rotation
// content of name, or "" when no candidate exists. extra patterns are tried
// after the built-in dated ones.
func ResolveRotated(name string, extra []string) string {
	// savelog(8)
	zero := name + ".0"
	firstGz := name + ".1.gz"
	if zfi, err := os.Stat(zero); err == nil {
		if gfi, err := os.Stat(firstGz); err == nil && zfi.ModTime().After(gfi.ModTime()) {
			return zero
		}
	}

	// logrotate(8)
	if candidate := name + ".1"; exists(candidate) {
		return candidate
	}

	// logrotate(8) with compress
	if exists(firstGz) {
		return firstGz
	}

	dir, base := filepath.Split(name)
	patterns := append(append([]string{}, datedPatterns...), extra...)
	for _, pattern := range patterns {
		glob := filepath.Join(escapeGlob(dir), strings.ReplaceAll(pattern, "%s", escapeGlob(base)))
		matches, err := filepath.Glob(glob)
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return matches[len(matches)-1]
	}

	return ""
}

// determineRotated decides which file, if any, must be drained before the live
// file given the recorded position and the inode currently at the live path.
func (t *Tailer) determineRotated(pos types.FilePosition, liveInode uint64) string {
	candidate := ResolveRotated(t.path, t.opts.ExtraPatterns)
	if candidate == "" {
		return ""
	}

	fi, err := os.Stat(candidate)
	if err != nil {
		return ""
	}

	if getInode(fi) == pos.Inode {
		return candidate
	}

	// Same inode but smaller: copytruncate rotation
	if liveInode == pos.Inode && t.opts.CopyTruncate {
		return candidate
	}

	return ""
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
