package engine

import (
	"context"
	"fmt"

	"github.com/ddebeau/zfs-uploader/internal/catalog"
	"github.com/ddebeau/zfs-uploader/internal/retention"
	"github.com/ddebeau/zfs-uploader/internal/transfer"
)

// Run executes one backup decision-and-procedure cycle for the job's
// dataset per §4.6, then applies retention.
func (j *Job) Run(ctx context.Context) error {
	all := j.backups.GetBackups("")
	fulls := j.backups.GetBackups(catalog.BackupTypeFull)

	var err error
	switch {
	case len(fulls) == 0:
		err = j.takeFull(ctx)
	case j.cfg.MaxIncrementalBackupsPerFull != nil && *j.cfg.MaxIncrementalBackupsPerFull == 0:
		err = j.takeFull(ctx)
	case j.cfg.MaxIncrementalBackupsPerFull != nil &&
		incrementalsOf(all, fulls[len(fulls)-1].BackupTime) >= *j.cfg.MaxIncrementalBackupsPerFull:
		err = j.takeFull(ctx)
	default:
		parent := all[len(all)-1]
		err = j.takeIncremental(ctx, parent.BackupTime)
	}
	if err != nil {
		return err
	}

	return j.applyRetention(ctx)
}

func incrementalsOf(all []*catalog.Backup, fullTime string) int {
	n := 0
	for _, b := range all {
		if b.BackupType == catalog.BackupTypeInc && b.Dependency == fullTime {
			n++
		}
	}
	return n
}

func (j *Job) takeFull(ctx context.Context) error {
	name, err := j.snapshots.CreateSnapshot(ctx)
	if err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}
	j.log.Info().Str("snapshot_name", name).Msg("taking full backup")

	sendSize, err := j.driver.SendSize(ctx, j.cfg.Dataset, name)
	if err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}

	objectKey := catalog.ObjectKey(j.cfg.Prefix, j.cfg.Dataset, name+".full")

	sh, err := j.driver.OpenSendStream(ctx, j.cfg.Dataset, name)
	if err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}

	size, err := j.uploadSend(ctx, sh, objectKey, sendSize)
	if err != nil {
		return err
	}

	if _, err := j.backups.CreateBackup(ctx, name, catalog.BackupTypeFull, objectKey, "", size); err != nil {
		return err
	}

	j.log.Info().Str("snapshot_name", name).Str("s3_key", objectKey).Msg("full backup complete")
	return nil
}

func (j *Job) takeIncremental(ctx context.Context, parentTime string) error {
	name, err := j.snapshots.CreateSnapshot(ctx)
	if err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}
	j.log.Info().Str("snapshot_name", name).Str("dependency", parentTime).Msg("taking incremental backup")

	sendSize, err := j.driver.SendSizeInc(ctx, j.cfg.Dataset, parentTime, name)
	if err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}

	objectKey := catalog.ObjectKey(j.cfg.Prefix, j.cfg.Dataset, name+".inc")

	sh, err := j.driver.OpenSendStreamInc(ctx, j.cfg.Dataset, parentTime, name)
	if err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}

	size, err := j.uploadSend(ctx, sh, objectKey, sendSize)
	if err != nil {
		return err
	}

	if _, err := j.backups.CreateBackup(ctx, name, catalog.BackupTypeInc, objectKey, parentTime, size); err != nil {
		return err
	}

	j.log.Info().Str("snapshot_name", name).Str("s3_key", objectKey).Msg("incremental backup complete")
	return nil
}

// uploadSend drains sh.Stdout through the Transfer Controller into
// objectKey, reaps the send process, and asserts a non-zero object
// length before returning the recorded backup size.
func (j *Job) uploadSend(ctx context.Context, sh sendStream, objectKey string, sendSize uint64) (uint64, error) {
	chunkSize := transfer.ChunkSize(sendSize, j.cfg.MaxParts)
	progress := transfer.New(j.log, int64(sendSize))

	uploadErr := j.store.UploadStream(ctx, objectKey, sh, chunkSize, j.cfg.Concurrency, j.cfg.StorageClass, progress.Callback())
	progress.Finish()

	if waitErr := sh.Wait(); waitErr != nil {
		return 0, &DatasetError{Dataset: j.cfg.Dataset, Err: waitErr}
	}
	if uploadErr != nil {
		return 0, &ObjectStoreError{Op: "UploadStream", Err: uploadErr}
	}

	exists, length, err := j.store.HeadObject(ctx, objectKey)
	if err != nil {
		return 0, &ObjectStoreError{Op: "HeadObject", Err: err}
	}
	if !exists || length <= 0 {
		return 0, &BackupFailed{ObjectKey: objectKey}
	}

	return uint64(length), nil
}

// applyRetention runs limit_snapshots then limit_backups, per §4.6's
// post-backup ordering, taking a fresh incremental if limit_backups
// leaves exactly one full behind.
func (j *Job) applyRetention(ctx context.Context) error {
	if j.cfg.MaxSnapshots != nil {
		if err := retention.LimitSnapshots(ctx, j.snapshots, j.backups, *j.cfg.MaxSnapshots); err != nil {
			return err
		}
	}

	if j.cfg.MaxBackups != nil {
		needIncremental, err := retention.LimitBackups(ctx, j.backups, *j.cfg.MaxBackups)
		if err != nil {
			return err
		}
		if needIncremental {
			all := j.backups.GetBackups("")
			if len(all) != 1 {
				return fmt.Errorf("engine: retention left %d backups, expected exactly 1 before a forced incremental", len(all))
			}
			return j.takeIncremental(ctx, all[0].BackupTime)
		}
	}

	return nil
}
