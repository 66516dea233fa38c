package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ghostcrawl/core/corekit"
)

// Migration upgrades a checkpoint document from an old major schema version
// to SchemaVersion. Registered migrations are consulted on Load when a
// checkpoint's major version is older than the current one.
type Migration func(raw map[string]interface{}) (map[string]interface{}, error)

// Manager implements the checkpoint contract: Create, Load, List, Latest.
// One Manager instance owns a storage root and serializes writes per job
// with an in-process mutex, matching the "one writer at a time per job"
// shared-resource policy.
type Manager struct {
	root           string
	retentionCount int
	expiryGrace    time.Duration
	compressAbove  int

	jobLocks   sync.Map // jobID -> *sync.Mutex
	migrations map[int]Migration

	logger corekit.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger installs a logger, wrapped under component "core/checkpoint".
func WithLogger(logger corekit.Logger) Option {
	return func(m *Manager) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(corekit.ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("core/checkpoint")
			return
		}
		m.logger = logger
	}
}

// WithExpiryGrace sets how long an Expired checkpoint is retained on disk
// before being removed. Default 24h.
func WithExpiryGrace(d time.Duration) Option {
	return func(m *Manager) { m.expiryGrace = d }
}

// WithCompressionThreshold sets the uncompressed-JSON byte size above which
// a checkpoint is written gzip-compressed. Default 8KiB.
func WithCompressionThreshold(n int) Option {
	return func(m *Manager) { m.compressAbove = n }
}

// NewManager creates a Manager rooted at storageRoot, retaining the
// retentionCount newest validated checkpoints per job.
func NewManager(storageRoot string, retentionCount int, opts ...Option) (*Manager, error) {
	if retentionCount < 1 {
		return nil, &corekit.FrameworkError{
			Op: "checkpoint.NewManager", Kind: "config",
			Message: "retention count must be at least 1", Err: corekit.ErrInvalidConfiguration,
		}
	}

	if err := os.MkdirAll(storageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: creating storage root: %w", err)
	}

	m := &Manager{
		root:           storageRoot,
		retentionCount: retentionCount,
		expiryGrace:    24 * time.Hour,
		compressAbove:  8 * 1024,
		migrations:     make(map[int]Migration),
		logger:         &corekit.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// RegisterMigration registers a migration from major version fromMajor to
// the current SchemaVersion. If no migration is registered for an older
// major version found on disk, the checkpoint is treated as Corrupted.
func (m *Manager) RegisterMigration(fromMajor int, fn Migration) {
	m.migrations[fromMajor] = fn
}

func (m *Manager) jobDir(jobID string) string {
	return filepath.Join(m.root, jobID)
}

func (m *Manager) lockFor(jobID string) *sync.Mutex {
	v, _ := m.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
