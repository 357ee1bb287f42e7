// Package watcher follows a single access log through filesystem
// notifications, feeding each new line through the parser into the
// statistics table and re-arming itself when the file is rotated away.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/metrics"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/parser"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/reliability"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/stats"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/tailer"
	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

const (
	defaultReopenAttempts = 10
	defaultReopenBackoff  = time.Second
)

// Config configures a Watcher
type Config struct {
	Path     string
	Store    checkpoint.Store
	Notifier Notifier
	Parser   *parser.Parser
	Table    *stats.Table
	Tailer   tailer.Options

	// ReopenAttempts bounds how often a vanished path is retried before
	// waiting for the next event
	ReopenAttempts int
	ReopenBackoff  time.Duration

	// WarnEvery limits invalid line warnings; zero logs every one
	WarnEvery time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Collector
}

// Watcher owns the tailer for one path and drains it on every event
type Watcher struct {
	cfg     Config
	logger  *logging.Logger
	limiter *rate.Limiter

	tailer   *tailer.Tailer
	watching bool
	armed    atomic.Bool
	pending  *time.Timer

	parsed   atomic.Int64
	failed   atomic.Int64
	filtered atomic.Int64
}

// New creates a Watcher. Call Open before Run.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.Store == nil || cfg.Notifier == nil || cfg.Parser == nil || cfg.Table == nil {
		return nil, fmt.Errorf("store, notifier, parser and table are required")
	}
	if cfg.ReopenAttempts <= 0 {
		cfg.ReopenAttempts = defaultReopenAttempts
	}
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = defaultReopenBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	limit := rate.Inf
	if cfg.WarnEvery > 0 {
		limit = rate.Every(cfg.WarnEvery)
	}

	w := &Watcher{
		cfg:     cfg,
		logger:  cfg.Logger.WithComponent("watcher").WithField("path", cfg.Path),
		limiter: rate.NewLimiter(limit, 1),
	}

	onUpdate := cfg.Tailer.OnUpdate
	w.cfg.Tailer.OnUpdate = func() {
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.CheckpointSaves.Inc()
		}
		if onUpdate != nil {
			onUpdate()
		}
	}

	return w, nil
}

// Open opens the file at its stored position, subscribes to it and drains
// what is already there. A missing file is not an error; the watch stays
// armed until the path appears.
func (w *Watcher) Open() error {
	tl, err := tailer.Open(w.cfg.Path, w.cfg.Store, w.cfg.Tailer, w.cfg.Logger)
	switch {
	case err == nil:
		w.tailer = tl
	case errors.Is(err, os.ErrNotExist):
		w.logger.Warn().Msg("Log file does not exist yet, waiting for it")
	default:
		return err
	}

	if err := w.subscribe(); err != nil {
		w.closeTailer()
		return err
	}

	w.drain()
	return nil
}

// Run processes notifications until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	events := w.cfg.Notifier.Events()
	errs := w.cfg.Notifier.Errors()

	for {
		var retry <-chan time.Time
		if w.pending != nil {
			retry = w.pending.C
		}

		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("notifier closed")
			}
			w.handle(ctx, ev)

		case err, ok := <-errs:
			if !ok {
				return fmt.Errorf("notifier closed")
			}
			w.logger.Error().Err(err).Msg("Watch error")

		case <-retry:
			w.pending = nil
			w.rearm(ctx, "retry")
		}
	}
}

// Close persists the position and releases the file and the notifier
func (w *Watcher) Close() error {
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}

	var errs []error
	if w.tailer != nil {
		errs = append(errs, w.tailer.Close())
		w.tailer = nil
	}
	w.setWatching(false)
	errs = append(errs, w.cfg.Notifier.Close())
	return errors.Join(errs...)
}

// Stats returns line counts since start
func (w *Watcher) Stats() types.ParserStats {
	return types.ParserStats{
		Parsed:   w.parsed.Load(),
		Failed:   w.failed.Load(),
		Filtered: w.filtered.Load(),
	}
}

// Armed reports whether a file is open and subscribed. Safe to call from
// any goroutine.
func (w *Watcher) Armed() bool {
	return w.armed.Load()
}

func (w *Watcher) handle(ctx context.Context, ev Event) {
	w.logger.Debug().Str("event", ev.Kind.String()).Msg("Event")

	switch ev.Kind {
	case Modified:
		if w.tailer == nil {
			w.rearm(ctx, ev.Kind.String())
			return
		}
		w.drain()

	case Deleted, MovedSelf, DeletedSelf:
		if w.stale() {
			w.logger.Debug().Str("event", ev.Kind.String()).Msg("Ignoring event for a file still in place")
			w.drain()
			return
		}
		w.rearm(ctx, ev.Kind.String())
	}
}

// stale reports whether the path still names the file being read, which
// happens when an event from an earlier incarnation arrives late
func (w *Watcher) stale() bool {
	if w.tailer == nil || w.tailer.Rotated() != "" {
		return false
	}
	inode, err := tailer.InodeOf(w.cfg.Path)
	return err == nil && inode == w.tailer.Inode()
}

// rearm drains the old file, then reopens the path and resubscribes.
// Reopening keeps the current tailer when it already follows the file at
// the path, so no line is read twice.
func (w *Watcher) rearm(ctx context.Context, reason string) {
	w.drain()
	w.unsubscribe()

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.Rearms.WithLabelValues(reason).Inc()
	}

	var (
		inode uint64
		size  int64
	)
	err := reliability.RetryWithBackoff(ctx, w.cfg.ReopenAttempts-1,
		reliability.ConstantBackoff(w.cfg.ReopenBackoff),
		func(ctx context.Context) error {
			fi, err := os.Stat(w.cfg.Path)
			if err != nil {
				return err
			}
			inode, size = tailer.InodeOfInfo(fi), fi.Size()
			return nil
		})
	if err != nil {
		w.logger.Warn().Err(err).Msg("Log file not available, waiting for next event")
		w.closeTailer()
		// A recreated file may reuse the inode
		if err := w.cfg.Store.Remove(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to remove offset")
		}
		w.resubscribe()
		return
	}

	if w.tailer != nil && w.tailer.Inode() == inode && w.tailer.Rotated() == "" {
		w.logger.Debug().Msg("Already following the file at path")
	} else {
		w.closeTailer()
		w.discardStaleOffset(inode, size)

		opts := w.cfg.Tailer
		opts.ReadFromEnd = false
		tl, err := tailer.Open(w.cfg.Path, w.cfg.Store, opts, w.cfg.Logger)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to reopen log file, waiting for next event")
			w.resubscribe()
			return
		}
		w.tailer = tl
		w.logger.Info().Uint64("inode", inode).Msg("Re-armed watch on log file")
	}

	w.resubscribe()
	w.drain()
}

// discardStaleOffset removes a stored position that does not describe the
// file now at the path
func (w *Watcher) discardStaleOffset(inode uint64, size int64) {
	pos, ok, err := w.cfg.Store.Load()
	if err == nil && ok && pos.Inode == inode && pos.Offset <= size {
		return
	}
	if err := w.cfg.Store.Remove(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to remove stale offset")
	}
}

func (w *Watcher) drain() {
	if w.tailer == nil {
		return
	}
	if _, err := w.tailer.Drain(w.process); err != nil {
		w.logger.Error().Err(err).Msg("Failed to read log file")
	}
}

func (w *Watcher) process(line string) {
	rec, res := w.cfg.Parser.Parse(line)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.LinesProcessed.WithLabelValues(res.String()).Inc()
	}

	switch res {
	case parser.Valid:
		w.parsed.Add(1)
		w.cfg.Table.Record(rec)
	case parser.Filtered:
		w.filtered.Add(1)
	default:
		w.failed.Add(1)
		if w.limiter.Allow() {
			w.logger.Warn().Str("line", line).Msg("Skipping unparseable line")
		}
	}
}

func (w *Watcher) closeTailer() {
	if w.tailer == nil {
		return
	}
	if err := w.tailer.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to close tailer")
	}
	w.tailer = nil
	w.setWatching(w.watching)
}

func (w *Watcher) subscribe() error {
	if w.watching {
		return nil
	}
	if err := w.cfg.Notifier.Subscribe(w.cfg.Path); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", w.cfg.Path, err)
	}
	w.setWatching(true)
	return nil
}

// resubscribe subscribes, scheduling another rearm when that fails
func (w *Watcher) resubscribe() {
	if err := w.subscribe(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to subscribe, retrying later")
		if w.pending != nil {
			w.pending.Stop()
		}
		w.pending = time.NewTimer(w.cfg.ReopenBackoff)
	}
}

func (w *Watcher) unsubscribe() {
	if !w.watching {
		return
	}
	if err := w.cfg.Notifier.Unsubscribe(w.cfg.Path); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to unsubscribe")
	}
	w.setWatching(false)
}

func (w *Watcher) setWatching(watching bool) {
	w.watching = watching
	armed := w.tailer != nil && watching
	w.armed.Store(armed)
	if w.cfg.Metrics == nil {
		return
	}
	if armed {
		w.cfg.Metrics.Watching.Set(1)
	} else {
		w.cfg.Metrics.Watching.Set(0)
	}
}
