package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ddebeau/zfs-uploader/pkg/zfs"
)

// collisionRetryDelay is how long CreateSnapshot waits before retrying
// a timestamp that collided with an existing snapshot name.
const collisionRetryDelay = time.Second

// Snapshot is one entry of a dataset's local snapshot set, as tracked
// by the Snapshot Catalog.
type Snapshot struct {
	Name       string
	Used       uint64
	Referenced uint64
}

// datasetDriver is the subset of the Dataset Driver the Snapshot
// Catalog needs, declared here so tests can supply a fake without a
// real zfs binary or pool.
type datasetDriver interface {
	ListSnapshots(ctx context.Context) ([]zfs.SnapshotEntry, error)
	CreateSnapshot(ctx context.Context, dataset, name string) error
	DestroySnapshot(ctx context.Context, dataset, name string) error
}

// SnapshotCatalog tracks the local zfs snapshots of one dataset,
// backed by the Dataset Driver. Unlike the Backup Catalog it is not
// itself persisted: it is rebuilt from `zfs list` on Refresh.
type SnapshotCatalog struct {
	mu         sync.RWMutex
	driver     datasetDriver
	filesystem string
	snapshots  map[string]*Snapshot

	sleepFn func(time.Duration)
	nowFn   func() time.Time
}

// NewSnapshotCatalog returns a SnapshotCatalog for filesystem, backed
// by driver. Call Refresh before first use to populate it.
func NewSnapshotCatalog(driver *zfs.Driver, filesystem string) *SnapshotCatalog {
	return newSnapshotCatalog(driver, filesystem)
}

func newSnapshotCatalog(driver datasetDriver, filesystem string) *SnapshotCatalog {
	return &SnapshotCatalog{
		driver:     driver,
		filesystem: filesystem,
		snapshots:  make(map[string]*Snapshot),
		sleepFn:    time.Sleep,
		nowFn:      time.Now,
	}
}

// Refresh replaces the in-memory snapshot set with the current local
// state of the filesystem, from `zfs list -t snapshot`.
func (c *SnapshotCatalog) Refresh(ctx context.Context) error {
	entries, err := c.driver.ListSnapshots(ctx)
	if err != nil {
		return err
	}

	snapshots := make(map[string]*Snapshot)
	for _, e := range entries {
		if e.Dataset != c.filesystem {
			continue
		}
		snapshots[e.Name] = &Snapshot{Name: e.Name, Used: e.Used, Referenced: e.Referenced}
	}

	c.mu.Lock()
	c.snapshots = snapshots
	c.mu.Unlock()

	return nil
}

// CreateSnapshot takes a new snapshot named after the current local
// time, in TimestampLayout. A name collision (another backup landed in
// the same second) is retried after collisionRetryDelay until a free
// timestamp is found.
func (c *SnapshotCatalog) CreateSnapshot(ctx context.Context) (string, error) {
	for {
		name := c.nowFn().Format(TimestampLayout)

		c.mu.RLock()
		_, exists := c.snapshots[name]
		c.mu.RUnlock()

		if exists {
			c.sleepFn(collisionRetryDelay)
			continue
		}

		if err := c.driver.CreateSnapshot(ctx, c.filesystem, name); err != nil {
			return "", err
		}

		c.mu.Lock()
		c.snapshots[name] = &Snapshot{Name: name}
		c.mu.Unlock()

		return name, nil
	}
}

// DeleteSnapshot destroys name and removes it from the catalog.
func (c *SnapshotCatalog) DeleteSnapshot(ctx context.Context, name string) error {
	if err := c.driver.DestroySnapshot(ctx, c.filesystem, name); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.snapshots, name)
	c.mu.Unlock()

	return nil
}

// GetSnapshots returns every known snapshot in ascending name
// (timestamp) order.
func (c *SnapshotCatalog) GetSnapshots() []*Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Snapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetSnapshotNames returns the names of GetSnapshots, in the same
// order.
func (c *SnapshotCatalog) GetSnapshotNames() []string {
	snapshots := c.GetSnapshots()
	names := make([]string, len(snapshots))
	for i, s := range snapshots {
		names[i] = s.Name
	}
	return names
}

// HasSnapshot reports whether name is currently present.
func (c *SnapshotCatalog) HasSnapshot(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.snapshots[name]
	return ok
}
