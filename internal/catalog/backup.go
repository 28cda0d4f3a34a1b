package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ddebeau/zfs-uploader/pkg/objectstore"
)

// blobStore is the subset of the Object Store Driver the Backup
// Catalog needs, declared here so tests can supply a fake without a
// real S3-compatible endpoint.
type blobStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
}

const (
	BackupTypeFull = "full"
	BackupTypeInc  = "inc"

	catalogObjectName = "backup.db"
	recordType        = "Backup"
)

// Backup is the durable record §3 describes: one row of a dataset's
// backup catalog.
type Backup struct {
	BackupTime string `msgpack:"backup_time" json:"backup_time"`
	BackupType string `msgpack:"backup_type" json:"backup_type"`
	Filesystem string `msgpack:"filesystem" json:"filesystem"`
	ObjectKey  string `msgpack:"s3_key" json:"s3_key"`
	Dependency string `msgpack:"dependency,omitempty" json:"dependency,omitempty"`
	BackupSize uint64 `msgpack:"backup_size" json:"backup_size"`
}

// record is the self-describing wire form: a Backup plus the `_type`
// discriminator the loader uses to reject foreign records.
type record struct {
	Type string `msgpack:"_type"`
	Backup
}

// BackupCatalog is the persisted mapping backup_time -> Backup for one
// dataset. It exclusively owns the in-memory map and the serialized
// catalog object; every mutation rewrites the object synchronously
// before returning.
type BackupCatalog struct {
	mu         sync.RWMutex
	store      blobStore
	filesystem string
	prefix     string
	backups    map[string]*Backup
}

// Open loads the catalog object for filesystem if it exists; a missing
// object is not an error — the catalog starts empty.
func Open(ctx context.Context, store *objectstore.Store, filesystem, prefix string) (*BackupCatalog, error) {
	return open(ctx, store, filesystem, prefix)
}

func open(ctx context.Context, store blobStore, filesystem, prefix string) (*BackupCatalog, error) {
	c := &BackupCatalog{
		store:      store,
		filesystem: filesystem,
		prefix:     prefix,
		backups:    make(map[string]*Backup),
	}

	data, err := store.GetObject(ctx, c.key())
	if errors.Is(err, objectstore.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	var records map[string]record
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	for t, rec := range records {
		if rec.Type != recordType {
			continue // foreign record: rejected, not fatal
		}
		b := rec.Backup
		c.backups[t] = &b
	}

	return c, nil
}

func (c *BackupCatalog) key() string {
	return ObjectKey(c.prefix, c.filesystem, catalogObjectName)
}

// CreateBackup validates and inserts a new Backup, then persists the
// catalog. Validation order matches §4.4: existence, dependency,
// format.
func (c *BackupCatalog) CreateBackup(ctx context.Context, backupTime, backupType, objectKey, dependency string, size uint64) (*Backup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.backups[backupTime]; exists {
		return nil, &BackupExists{BackupTime: backupTime}
	}

	if dependency != "" {
		if _, ok := c.backups[dependency]; !ok {
			return nil, &MissingDependency{Dependency: dependency}
		}
	}

	if !ValidTimestamp(backupTime) {
		return nil, &BadFormat{Field: "backup_time", Value: backupTime, Reason: "does not parse as " + TimestampLayout}
	}
	if dependency != "" && !ValidTimestamp(dependency) {
		return nil, &BadFormat{Field: "dependency", Value: dependency, Reason: "does not parse as " + TimestampLayout}
	}
	if backupType != BackupTypeFull && backupType != BackupTypeInc {
		return nil, &BadFormat{Field: "backup_type", Value: backupType, Reason: "must be full or inc"}
	}
	if backupType == BackupTypeFull && dependency != "" {
		return nil, &BadFormat{Field: "dependency", Value: dependency, Reason: "full backups must not have a dependency"}
	}

	b := &Backup{
		BackupTime: backupTime,
		BackupType: backupType,
		Filesystem: c.filesystem,
		ObjectKey:  objectKey,
		Dependency: dependency,
		BackupSize: size,
	}

	c.backups[backupTime] = b

	if err := c.saveLocked(ctx); err != nil {
		delete(c.backups, backupTime)
		return nil, err
	}

	return b, nil
}

// DeleteBackup deletes backupTime's underlying object, then removes it
// from the catalog and persists. Per §5's ordering guarantee the
// object is deleted before the catalog is rewritten: a failure between
// the two leaves the persisted catalog pointing at a missing object
// until the next load, a recoverable anomaly rather than a reason to
// resurrect the in-memory entry.
func (c *BackupCatalog) DeleteBackup(ctx context.Context, backupTime string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ValidTimestamp(backupTime) {
		return &BadFormat{Field: "backup_time", Value: backupTime, Reason: "does not parse as " + TimestampLayout}
	}

	removed, ok := c.backups[backupTime]
	if !ok {
		return &NotFound{BackupTime: backupTime}
	}

	if err := c.store.DeleteObject(ctx, removed.ObjectKey); err != nil {
		return err
	}

	delete(c.backups, backupTime)

	return c.saveLocked(ctx)
}

// GetBackup returns the Backup for backupTime, if present.
func (c *BackupCatalog) GetBackup(backupTime string) (*Backup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.backups[backupTime]
	return b, ok
}

// GetBackups returns backups of the given type (or all, if
// backupType is empty) in ascending backup_time order.
func (c *BackupCatalog) GetBackups(backupType string) []*Backup {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Backup
	for _, b := range c.backups {
		if backupType == "" || b.BackupType == backupType {
			out = append(out, b)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].BackupTime < out[j].BackupTime })
	return out
}

// GetBackupTimes returns the backup_time of every backup of the given
// type (or all, if backupType is empty) in ascending order.
func (c *BackupCatalog) GetBackupTimes(backupType string) []string {
	backups := c.GetBackups(backupType)
	times := make([]string, len(backups))
	for i, b := range backups {
		times[i] = b.BackupTime
	}
	return times
}

func (c *BackupCatalog) saveLocked(ctx context.Context) error {
	records := make(map[string]record, len(c.backups))
	for t, b := range c.backups {
		records[t] = record{Type: recordType, Backup: *b}
	}

	data, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}

	return c.store.PutObject(ctx, c.key(), data)
}
