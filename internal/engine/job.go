// Package engine is the Job Engine: the backup and restore run logic
// that drives the Dataset Driver, Object Store Driver, Snapshot
// Catalog, and Backup Catalog against one managed dataset.
package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ddebeau/zfs-uploader/internal/catalog"
	"github.com/ddebeau/zfs-uploader/internal/config"
	"github.com/ddebeau/zfs-uploader/internal/logger"
	"github.com/ddebeau/zfs-uploader/pkg/objectstore"
	"github.com/ddebeau/zfs-uploader/pkg/zfs"
)

// sendStream is an open send, readable to EOF then reaped with Wait.
// *zfs.SendHandle satisfies it through sendHandleAdapter, since its
// Stdout is a field rather than a promoted method.
type sendStream interface {
	io.Reader
	Wait() error
}

// receiveStream is an open receive: written to, then closed to signal
// EOF, then reaped with Wait.
type receiveStream interface {
	io.WriteCloser
	Wait() error
}

// datasetDriver is the subset of the Dataset Driver the Job Engine
// needs, declared here so tests can supply a fake without a real zfs
// binary or pool.
type datasetDriver interface {
	SendSize(ctx context.Context, dataset, name string) (uint64, error)
	SendSizeInc(ctx context.Context, dataset, fromName, toName string) (uint64, error)
	OpenSendStream(ctx context.Context, dataset, name string) (sendStream, error)
	OpenSendStreamInc(ctx context.Context, dataset, fromName, toName string) (sendStream, error)
	OpenReceiveStream(ctx context.Context, dataset, name string, force bool) (receiveStream, error)
	RollbackFilesystem(ctx context.Context, dataset, snapshotName string) error
	DestroyFilesystem(ctx context.Context, dataset string) error
}

// blobStore is the subset of the Object Store Driver the Job Engine
// needs, declared here so tests can supply a fake without a real
// S3-compatible endpoint.
type blobStore interface {
	UploadStream(ctx context.Context, key string, r io.Reader, partSize int64, concurrency int, storageClass string, progress objectstore.ProgressFunc) error
	DownloadStream(ctx context.Context, key string, w io.Writer, concurrency int, progress objectstore.ProgressFunc) error
	HeadObject(ctx context.Context, key string) (exists bool, length int64, err error)
}

// backupCatalog is the subset of the Backup Catalog the Job Engine
// needs.
type backupCatalog interface {
	CreateBackup(ctx context.Context, backupTime, backupType, objectKey, dependency string, size uint64) (*catalog.Backup, error)
	DeleteBackup(ctx context.Context, backupTime string) error
	GetBackup(backupTime string) (*catalog.Backup, bool)
	GetBackups(backupType string) []*catalog.Backup
	GetBackupTimes(backupType string) []string
}

// snapshotCatalog is the subset of the Snapshot Catalog the Job
// Engine needs.
type snapshotCatalog interface {
	CreateSnapshot(ctx context.Context) (string, error)
	DeleteSnapshot(ctx context.Context, name string) error
	GetSnapshotNames() []string
	HasSnapshot(name string) bool
	Refresh(ctx context.Context) error
}

// Job binds one managed dataset's configuration to the drivers and
// catalogs it runs against.
type Job struct {
	cfg *config.JobConfig
	log zerolog.Logger

	driver    datasetDriver
	store     blobStore
	backups   backupCatalog
	snapshots snapshotCatalog
}

// Open wires a Job from cfg: opens the object store connection, loads
// the Backup Catalog, and refreshes the Snapshot Catalog from local
// state. sudo controls whether the Dataset Driver prefixes zfs(8)
// invocations with sudo.
func Open(ctx context.Context, cfg *config.JobConfig, sudo bool) (*Job, error) {
	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:    cfg.BucketName,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open object store for %s: %w", cfg.Dataset, err)
	}

	backups, err := catalog.Open(ctx, store, cfg.Dataset, cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("engine: open backup catalog for %s: %w", cfg.Dataset, err)
	}

	driver := zfs.New(sudo)
	snapshots := catalog.NewSnapshotCatalog(driver, cfg.Dataset)
	if err := snapshots.Refresh(ctx); err != nil {
		return nil, &DatasetError{Dataset: cfg.Dataset, Err: err}
	}

	return newJob(cfg, realDriver{driver}, store, backups, snapshots), nil
}

// Backups returns every backup recorded for this job's dataset,
// ascending by backup time, for the CLI's list subcommand.
func (j *Job) Backups() []*catalog.Backup {
	return j.backups.GetBackups("")
}

func newJob(cfg *config.JobConfig, driver datasetDriver, store blobStore, backups backupCatalog, snapshots snapshotCatalog) *Job {
	return &Job{
		cfg:       cfg,
		log:       logger.Job(cfg.Dataset),
		driver:    driver,
		store:     store,
		backups:   backups,
		snapshots: snapshots,
	}
}

// realDriver adapts *zfs.Driver's concrete SendHandle/ReceiveHandle
// return values to the sendStream/receiveStream interfaces, since
// their Stdout/Stdin are fields rather than promoted methods.
type realDriver struct{ d *zfs.Driver }

func (r realDriver) SendSize(ctx context.Context, dataset, name string) (uint64, error) {
	return r.d.SendSize(ctx, dataset, name)
}

func (r realDriver) SendSizeInc(ctx context.Context, dataset, fromName, toName string) (uint64, error) {
	return r.d.SendSizeInc(ctx, dataset, fromName, toName)
}

func (r realDriver) OpenSendStream(ctx context.Context, dataset, name string) (sendStream, error) {
	h, err := r.d.OpenSendStream(ctx, dataset, name)
	if err != nil {
		return nil, err
	}
	return sendHandleAdapter{h}, nil
}

func (r realDriver) OpenSendStreamInc(ctx context.Context, dataset, fromName, toName string) (sendStream, error) {
	h, err := r.d.OpenSendStreamInc(ctx, dataset, fromName, toName)
	if err != nil {
		return nil, err
	}
	return sendHandleAdapter{h}, nil
}

func (r realDriver) OpenReceiveStream(ctx context.Context, dataset, name string, force bool) (receiveStream, error) {
	h, err := r.d.OpenReceiveStream(ctx, dataset, name, force)
	if err != nil {
		return nil, err
	}
	return receiveHandleAdapter{h}, nil
}

func (r realDriver) RollbackFilesystem(ctx context.Context, dataset, snapshotName string) error {
	return r.d.RollbackFilesystem(ctx, dataset, snapshotName)
}

func (r realDriver) DestroyFilesystem(ctx context.Context, dataset string) error {
	return r.d.DestroyFilesystem(ctx, dataset)
}

type sendHandleAdapter struct{ h *zfs.SendHandle }

func (a sendHandleAdapter) Read(p []byte) (int, error) { return a.h.Stdout.Read(p) }
func (a sendHandleAdapter) Wait() error                { return a.h.Wait() }

type receiveHandleAdapter struct{ h *zfs.ReceiveHandle }

func (a receiveHandleAdapter) Write(p []byte) (int, error) { return a.h.Stdin.Write(p) }
func (a receiveHandleAdapter) Close() error                { return a.h.Stdin.Close() }
func (a receiveHandleAdapter) Wait() error                 { return a.h.Wait() }
