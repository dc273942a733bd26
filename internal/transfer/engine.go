// Package transfer copies evidence files and directory trees between
// storage roots, reporting progress at a bounded rate.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

const (
	defaultInterval = 60 * time.Second
	bufferSize      = 1 << 20

	lockSuffix = ".lock"
)

// Refusal messages, also reported to the coordinator as the task status text.
const (
	MsgDestinationExists = "destination already exists"
	MsgDestinationLocked = "destination locked by another agent"
	MsgUnsupportedSource = "unsupported source type"
	MsgSourceNotFound    = "source not found"
	MsgDestinationInside = "destination inside source"
)

// ProgressSink receives the path currently being copied.
type ProgressSink func(path string)

// Outcome summarizes a finished transfer.
type Outcome struct {
	Destination string
	Files       int
	Bytes       int64
	Elapsed     time.Duration
}

type Config struct {
	FS billy.Filesystem
	// Interval is the minimum time between two progress reports.
	Interval time.Duration
	// LockOwner, when set, makes Transfer hold an exclusive <dest>.lock file
	// containing it while copying.
	LockOwner string
	Now       func() time.Time
	Logger    *zap.Logger
}

// HostFS is the host filesystem addressed by absolute paths.
func HostFS() billy.Filesystem {
	return osfs.New(string(filepath.Separator), osfs.WithBoundOS())
}

type Engine struct {
	fs        billy.Filesystem
	interval  time.Duration
	lockOwner string
	now       func() time.Time
	logger    *zap.Logger
}

func NewEngine(cfg Config) *Engine {
	fs := cfg.FS
	if fs == nil {
		fs = HostFS()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		fs:        fs,
		interval:  interval,
		lockOwner: cfg.LockOwner,
		now:       now,
		logger:    logger,
	}
}

// Transfer copies src to dst.
//
// A directory is copied as a whole subtree and dst must not exist. A
// regular file lands in dst, or inside it when dst is an existing
// directory, and the resulting path must not exist. Anything else is
// refused. Once started, a copy runs to completion or to its first error;
// ctx is only consulted before any byte is written.
func (e *Engine) Transfer(ctx context.Context, src, dst string, sink ProgressSink) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	start := e.now()
	info, err := e.fs.Lstat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Outcome{}, refuse(src, MsgSourceNotFound)
		}
		return Outcome{}, ioError(src, err)
	}

	t := &throttle{sink: sink, interval: e.interval, now: e.now}
	c := &copier{fs: e.fs, progress: t}

	switch {
	case info.IsDir():
		if within(src, dst) {
			return Outcome{}, refuse(dst, MsgDestinationInside)
		}
		if err := e.ensureAbsent(dst); err != nil {
			return Outcome{}, err
		}
		unlock, err := e.lock(dst)
		if err != nil {
			return Outcome{}, err
		}
		defer unlock()
		err = c.copyTree(src, dst, info)
		if err != nil {
			return c.outcome(dst, e.now().Sub(start)), err
		}

	case info.Mode().IsRegular():
		if di, err := e.fs.Stat(dst); err == nil && di.IsDir() {
			dst = filepath.Join(dst, filepath.Base(src))
		}
		if err := e.ensureAbsent(dst); err != nil {
			return Outcome{}, err
		}
		if err := e.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return Outcome{}, ioError(filepath.Dir(dst), err)
		}
		unlock, err := e.lock(dst)
		if err != nil {
			return Outcome{}, err
		}
		defer unlock()
		if err := c.copyFile(src, dst, info); err != nil {
			return c.outcome(dst, e.now().Sub(start)), err
		}

	default:
		return Outcome{}, &apperr.Error{Kind: apperr.KindTransfer, Op: "transfer", Path: src, Msg: MsgUnsupportedSource, Err: fmt.Errorf("mode %s", info.Mode().Type())}
	}

	out := c.outcome(dst, e.now().Sub(start))
	e.logger.Info("transfer finished",
		zap.String("source", src),
		zap.String("destination", dst),
		zap.Int("files", out.Files),
		zap.Int64("bytes", out.Bytes),
		zap.Duration("elapsed", out.Elapsed),
	)
	return out, nil
}

func (e *Engine) ensureAbsent(dst string) error {
	_, err := e.fs.Lstat(dst)
	switch {
	case err == nil:
		return refuse(dst, MsgDestinationExists)
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return ioError(dst, err)
	}
}

// lock creates <dst>.lock exclusively so two agents leased the same
// destination cannot interleave their copies.
func (e *Engine) lock(dst string) (func(), error) {
	if e.lockOwner == "" {
		return func() {}, nil
	}
	path := dst + lockSuffix
	if err := e.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioError(filepath.Dir(path), err)
	}
	f, err := e.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, refuse(dst, MsgDestinationLocked)
		}
		return nil, ioError(path, err)
	}
	_, werr := io.WriteString(f, e.lockOwner)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = e.fs.Remove(path)
		return nil, ioError(path, errors.Join(werr, cerr))
	}
	return func() {
		if err := e.fs.Remove(path); err != nil {
			e.logger.Warn("failed to remove destination lock", zap.String("path", path), zap.Error(err))
		}
	}, nil
}

// within reports whether path is dir itself or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func refuse(path, msg string) error {
	return &apperr.Error{Kind: apperr.KindTransfer, Op: "transfer", Path: path, Msg: msg}
}

func ioError(path string, err error) error {
	return &apperr.Error{Kind: apperr.KindTransfer, Op: "transfer", Path: path, Msg: "i/o error", Err: err}
}

// throttle forwards at most one report per interval. The first file is
// always reported.
type throttle struct {
	sink     ProgressSink
	interval time.Duration
	now      func() time.Time
	last     time.Time
	fired    bool
}

func (t *throttle) report(path string) {
	if t.sink == nil {
		return
	}
	n := t.now()
	if t.fired && n.Sub(t.last) < t.interval {
		return
	}
	t.fired = true
	t.last = n
	t.sink(path)
}
