package engine

import (
	"context"
	"fmt"

	"github.com/ddebeau/zfs-uploader/internal/catalog"
	"github.com/ddebeau/zfs-uploader/internal/transfer"
	"github.com/ddebeau/zfs-uploader/pkg/objectstore"
)

// Restore replays a backup chain into the job's dataset, or into
// targetFilesystem if non-empty, per §4.7. An empty backupTime selects
// the most recent backup.
func (j *Job) Restore(ctx context.Context, backupTime, targetFilesystem string) error {
	if err := j.snapshots.Refresh(ctx); err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}

	target, err := j.resolveTarget(backupTime)
	if err != nil {
		return err
	}

	chain, err := j.buildChain(target)
	if err != nil {
		return err
	}

	inPlace := targetFilesystem == "" || targetFilesystem == j.cfg.Dataset
	destDataset := j.cfg.Dataset
	if targetFilesystem != "" {
		destDataset = targetFilesystem
	}

	if inPlace {
		if err := j.reconcile(ctx, target.BackupTime); err != nil {
			return err
		}
	}

	for _, b := range chain {
		if inPlace && j.snapshots.HasSnapshot(b.BackupTime) {
			continue
		}
		if err := j.replay(ctx, b, destDataset); err != nil {
			return err
		}
	}

	return j.snapshots.Refresh(ctx)
}

func (j *Job) resolveTarget(backupTime string) (*catalog.Backup, error) {
	if backupTime != "" {
		b, ok := j.backups.GetBackup(backupTime)
		if !ok {
			return nil, &RestoreError{Filesystem: j.cfg.Dataset, Reason: fmt.Sprintf("no backup %s", backupTime)}
		}
		return b, nil
	}

	all := j.backups.GetBackups("")
	if len(all) == 0 {
		return nil, &RestoreError{Filesystem: j.cfg.Dataset, Reason: "no backups exist"}
	}
	return all[len(all)-1], nil
}

// buildChain walks dependency from target up to its full root and
// returns it in restore order [full, inc1, ..., target].
func (j *Job) buildChain(target *catalog.Backup) ([]*catalog.Backup, error) {
	chain := []*catalog.Backup{target}

	cur := target
	for cur.Dependency != "" {
		parent, ok := j.backups.GetBackup(cur.Dependency)
		if !ok {
			return nil, &RestoreError{Filesystem: j.cfg.Dataset, Reason: fmt.Sprintf("missing dependency %s", cur.Dependency)}
		}
		chain = append(chain, parent)
		cur = parent
	}

	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}

	return chain, nil
}

// reconcile destroys every local snapshot newer than targetTime, then
// rolls the dataset back to the most recent surviving snapshot, or
// destroys it entirely if none remain.
func (j *Job) reconcile(ctx context.Context, targetTime string) error {
	targetTS, err := catalog.ParseTimestamp(targetTime)
	if err != nil {
		return &RestoreError{Filesystem: j.cfg.Dataset, Reason: err.Error()}
	}

	for _, name := range j.snapshots.GetSnapshotNames() {
		ts, err := catalog.ParseTimestamp(name)
		if err != nil {
			continue
		}
		if ts.After(targetTS) {
			if err := j.snapshots.DeleteSnapshot(ctx, name); err != nil {
				return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
			}
		}
	}

	if err := j.snapshots.Refresh(ctx); err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}

	remaining := j.snapshots.GetSnapshotNames()
	if len(remaining) > 0 {
		mostRecent := remaining[len(remaining)-1]
		if err := j.driver.RollbackFilesystem(ctx, j.cfg.Dataset, mostRecent); err != nil {
			return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
		}
	} else if err := j.driver.DestroyFilesystem(ctx, j.cfg.Dataset); err != nil {
		return &DatasetError{Dataset: j.cfg.Dataset, Err: err}
	}

	return j.snapshots.Refresh(ctx)
}

// replay downloads b's object into an open receive targeting
// destDataset@b.BackupTime, tolerating a broken pipe on the download
// side per §4.7.
func (j *Job) replay(ctx context.Context, b *catalog.Backup, destDataset string) error {
	j.log.Info().Str("snapshot_name", b.BackupTime).Str("s3_key", b.ObjectKey).Msg("replaying backup")

	rh, err := j.driver.OpenReceiveStream(ctx, destDataset, b.BackupTime, false)
	if err != nil {
		return &DatasetError{Dataset: destDataset, Err: err}
	}

	progress := transfer.New(j.log, int64(b.BackupSize))
	downloadErr := j.store.DownloadStream(ctx, b.ObjectKey, rh, j.cfg.Concurrency, progress.Callback())
	progress.Finish()
	_ = rh.Close()
	waitErr := rh.Wait()

	if downloadErr != nil && !objectstore.IsBrokenPipe(downloadErr) {
		return &ObjectStoreError{Op: "DownloadStream", Err: downloadErr}
	}
	if waitErr != nil {
		return &DatasetError{Dataset: destDataset, Err: waitErr}
	}

	return nil
}
