// Package retention implements the Retention Logic: limit_snapshots
// and limit_backups, applied by the Job Engine after every successful
// backup run.
package retention

import (
	"context"

	"github.com/ddebeau/zfs-uploader/internal/catalog"
)

// snapshotCatalog is the subset of the Snapshot Catalog retention
// needs, declared here so tests can supply a fake.
type snapshotCatalog interface {
	GetSnapshotNames() []string
	DeleteSnapshot(ctx context.Context, name string) error
}

// backupCatalog is the subset of the Backup Catalog retention needs.
type backupCatalog interface {
	GetBackups(backupType string) []*catalog.Backup
	GetBackupTimes(backupType string) []string
	DeleteBackup(ctx context.Context, backupTime string) error
}

// LimitSnapshots enforces maxSnapshots per §4.8: pop the oldest live
// snapshot; destroy it unless it backs a full backup, in which case it
// is left in place and the effective count may stay above the bound.
func LimitSnapshots(ctx context.Context, sc snapshotCatalog, bc backupCatalog, maxSnapshots int) error {
	fullTimes := make(map[string]bool)
	for _, t := range bc.GetBackupTimes(catalog.BackupTypeFull) {
		fullTimes[t] = true
	}

	live := sc.GetSnapshotNames()

	for len(live) > maxSnapshots {
		name := live[0]
		live = live[1:]

		if fullTimes[name] {
			continue
		}
		if err := sc.DeleteSnapshot(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

// LimitBackups enforces maxBackups per §4.8's pruning algorithm. It
// reports whether exactly one backup remains afterward and that backup
// is a full, in which case the Job Engine must take a fresh incremental
// so a recovery point beyond the last full always exists.
func LimitBackups(ctx context.Context, bc backupCatalog, maxBackups int) (needIncremental bool, err error) {
	for {
		backups := bc.GetBackups("")
		if len(backups) <= maxBackups {
			break
		}

		oldest := backups[0]
		rest := backups[1:]

		hasDependent := false
		for _, b := range rest {
			if b.Dependency == oldest.BackupTime {
				hasDependent = true
				break
			}
		}

		if !hasDependent {
			if err := bc.DeleteBackup(ctx, oldest.BackupTime); err != nil {
				return false, err
			}
			continue
		}

		for _, b := range rest {
			if b.BackupType == catalog.BackupTypeFull {
				break
			}
			if err := bc.DeleteBackup(ctx, b.BackupTime); err != nil {
				return false, err
			}
		}
	}

	final := bc.GetBackups("")
	return len(final) == 1 && final[0].BackupType == catalog.BackupTypeFull, nil
}
