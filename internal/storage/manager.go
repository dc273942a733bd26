// Package storage maps logical storage names to physical roots and checks
// that a root really is the expected volume before anything is written.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/forensiclab/agent/internal/executor"
	"github.com/forensiclab/agent/internal/stats"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

const defaultMarker = "storage_sapi_nao_apagar.txt"

// Storage is a resolved logical storage.
type Storage struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
	// Drive is the network drive or mount point the storage is bound to,
	// empty when the root is reachable without mapping.
	Drive  string `yaml:"drive,omitempty"`
	Marker string `yaml:"marker"`
}

// Contains reports whether path is the storage root or lies below it.
func (s Storage) Contains(path string) bool {
	if s.Root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(s.Root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// MarkerPath is where the control file must be.
func (s Storage) MarkerPath() string {
	return filepath.Join(s.Root, s.Marker)
}

// Mapper binds a storage to its drive or mount point.
type Mapper interface {
	Map(ctx context.Context, storageName, target string) error
}

// CommandMapper maps drives by running a command template through the
// executor. {storage} and {target} are substituted.
type CommandMapper struct {
	Template string
	Exec     *executor.Executor
}

func (m *CommandMapper) Map(ctx context.Context, storageName, target string) error {
	if m.Template == "" {
		return fmt.Errorf("no map command configured")
	}
	cmd := executor.Expand(m.Template, map[string]string{"storage": storageName, "target": target})
	res, err := m.Exec.Execute(ctx, cmd)
	if err != nil {
		if res != nil && res.Output != "" {
			return fmt.Errorf("%w: %s", err, res.Output)
		}
		return err
	}
	return nil
}

type Config struct {
	// LocalRoot, when set, is used as the root of every storage.
	LocalRoot     string
	DefaultPrefix string
	Marker        string
	Drives        map[string]string
	Mapper        Mapper
	FS            billy.Filesystem
	Disk          *stats.Collector
	Logger        *zap.Logger
}

type mapping struct {
	once sync.Once
	err  error
}

// Manager resolves storages and caches them for its own lifetime. One
// Manager belongs to one agent runtime.
type Manager struct {
	localRoot string
	prefix    string
	marker    string
	drives    map[string]string
	mapper    Mapper
	fs        billy.Filesystem
	disk      *stats.Collector
	logger    *zap.Logger

	mu       sync.Mutex
	cache    map[string]Storage
	mappings map[string]*mapping
}

func NewManager(cfg Config) *Manager {
	marker := cfg.Marker
	if marker == "" {
		marker = defaultMarker
	}
	fs := cfg.FS
	if fs == nil {
		fs = osfs.New(string(filepath.Separator), osfs.WithBoundOS())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	drives := make(map[string]string, len(cfg.Drives))
	for k, v := range cfg.Drives {
		drives[strings.ToLower(k)] = v
	}
	return &Manager{
		localRoot: cfg.LocalRoot,
		prefix:    cfg.DefaultPrefix,
		marker:    marker,
		drives:    drives,
		mapper:    cfg.Mapper,
		fs:        fs,
		disk:      cfg.Disk,
		logger:    logger,
		cache:     make(map[string]Storage),
		mappings:  make(map[string]*mapping),
	}
}

// Resolve returns the physical root of a logical storage. The local
// override wins, then a configured drive binding (mapped once per manager),
// then the default prefix joined with the name.
func (m *Manager) Resolve(ctx context.Context, name string) (Storage, error) {
	m.mu.Lock()
	if st, ok := m.cache[name]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	st := Storage{Name: name, Marker: m.marker}
	switch {
	case m.localRoot != "":
		st.Root = m.localRoot
	case m.drives[strings.ToLower(name)] != "":
		st.Drive = m.drives[strings.ToLower(name)]
		st.Root = st.Drive
		if err := m.mapDrive(ctx, name, st.Drive); err != nil {
			return Storage{}, err
		}
	default:
		if name == "" {
			return Storage{}, apperr.New(apperr.KindStorage, "resolve storage", "storage name is empty")
		}
		if m.prefix == "" {
			return Storage{}, apperr.New(apperr.KindStorage, "resolve "+name, "no default storage prefix configured")
		}
		st.Root = filepath.Join(m.prefix, name)
	}

	m.mu.Lock()
	m.cache[name] = st
	m.mu.Unlock()

	m.logger.Debug("storage resolved",
		zap.String("storage", name),
		zap.String("root", st.Root),
		zap.String("drive", st.Drive),
	)
	return st, nil
}

func (m *Manager) mapDrive(ctx context.Context, name, target string) error {
	m.mu.Lock()
	mp, ok := m.mappings[name]
	if !ok {
		mp = &mapping{}
		m.mappings[name] = mp
	}
	m.mu.Unlock()

	mp.once.Do(func() {
		if m.mapper == nil {
			mp.err = fmt.Errorf("no drive mapper configured")
		} else {
			mp.err = m.mapper.Map(ctx, name, target)
		}
		if mp.err != nil {
			m.logger.Error("drive mapping failed",
				zap.String("storage", name),
				zap.String("target", target),
				zap.Error(mp.err),
			)
			return
		}
		m.logger.Info("drive mapped", zap.String("storage", name), zap.String("target", target))
	})
	if mp.err != nil {
		return &apperr.Error{Kind: apperr.KindStorage, Op: "map " + name, Path: target, Msg: "drive mapping failed", Err: mp.err}
	}
	return nil
}

// Validate checks that the control file is present directly under the
// root. It is never created here: a missing marker means the volume is not
// mounted or is the wrong one.
func (m *Manager) Validate(st Storage) error {
	info, err := m.fs.Stat(st.MarkerPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &apperr.Error{Kind: apperr.KindStorage, Op: "validate " + st.Name, Path: st.MarkerPath(), Msg: "control file not found"}
		}
		return &apperr.Error{Kind: apperr.KindStorage, Op: "validate " + st.Name, Path: st.MarkerPath(), Msg: "control file not readable", Err: err}
	}
	if info.IsDir() {
		return &apperr.Error{Kind: apperr.KindStorage, Op: "validate " + st.Name, Path: st.MarkerPath(), Msg: "control file is a directory"}
	}

	if m.disk != nil {
		if u, err := m.disk.DiskFree(st.Root); err == nil {
			m.logger.Info("storage validated",
				zap.String("storage", st.Name),
				zap.String("root", st.Root),
				zap.Uint64("free_bytes", u.Free),
				zap.Float64("used_percent", u.UsedPercent),
			)
		}
	}
	return nil
}

// ResolveValid is Resolve followed by Validate.
func (m *Manager) ResolveValid(ctx context.Context, name string) (Storage, error) {
	st, err := m.Resolve(ctx, name)
	if err != nil {
		return Storage{}, err
	}
	if err := m.Validate(st); err != nil {
		return Storage{}, err
	}
	return st, nil
}

// Snapshot copies the cache so it can be handed to a child worker.
func (m *Manager) Snapshot() map[string]Storage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Storage, len(m.cache))
	for k, v := range m.cache {
		out[k] = v
	}
	return out
}

// Preload seeds the cache from a snapshot. Storages with a drive are
// considered already mapped by whoever took the snapshot.
func (m *Manager) Preload(snapshot map[string]Storage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range snapshot {
		m.cache[k] = v
		if v.Drive != "" {
			mp := &mapping{}
			mp.once.Do(func() {})
			m.mappings[k] = mp
		}
	}
}
