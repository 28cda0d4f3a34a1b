// Package zfs is the Dataset Driver: a thin, typed shell over the local
// `zfs` command line. Every invocation goes through one of two
// chokepoints — run() for commands whose output is captured and parsed,
// or startSend/startReceive for the send/receive streaming paths — so
// error wrapping and stderr capture stay uniform across the package.
package zfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SnapshotEntry is one row of `zfs list -t snapshot` output: a single
// local snapshot with its parseable size properties.
type SnapshotEntry struct {
	Dataset    string
	Name       string
	Used       uint64
	Referenced uint64
}

// Driver executes zfs(8) operations. The zero value is not usable; call
// New to obtain one backed by the real zfs binary.
type Driver struct {
	r    runner
	sudo bool
}

// New returns a Driver that shells out to the real zfs binary. Set sudo
// to true to prefix every invocation with `sudo`, for unprivileged
// daemon deployments.
func New(sudo bool) *Driver {
	return &Driver{r: execRunner{}, sudo: sudo}
}

func (d *Driver) exec(ctx context.Context, args ...string) (string, error) {
	if d.sudo {
		args = append([]string{"zfs"}, args...)
		return d.r.run(ctx, "sudo", args...)
	}
	return d.r.run(ctx, "zfs", args...)
}

// ListSnapshots returns every local snapshot, across all datasets, with
// parsed USED/REFER byte counts. Callers filter down to the snapshots
// belonging to a particular dataset (the Snapshot Catalog's job).
func (d *Driver) ListSnapshots(ctx context.Context) ([]SnapshotEntry, error) {
	out, err := d.exec(ctx, "list", "-H", "-p", "-t", "snapshot", "-o", "name,used,refer")
	if err != nil {
		return nil, err
	}

	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil, nil
	}

	var entries []SnapshotEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}

		at := strings.LastIndex(fields[0], "@")
		if at < 0 {
			continue
		}

		used, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse used for %s: %w", fields[0], err)
		}
		refer, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse refer for %s: %w", fields[0], err)
		}

		entries = append(entries, SnapshotEntry{
			Dataset:    fields[0][:at],
			Name:       fields[0][at+1:],
			Used:       used,
			Referenced: refer,
		})
	}

	return entries, nil
}

// CreateSnapshot creates dataset@name.
func (d *Driver) CreateSnapshot(ctx context.Context, dataset, name string) error {
	_, err := d.exec(ctx, "snapshot", snapName(dataset, name))
	return err
}

// DestroySnapshot destroys dataset@name.
func (d *Driver) DestroySnapshot(ctx context.Context, dataset, name string) error {
	_, err := d.exec(ctx, "destroy", snapName(dataset, name))
	return err
}

// DestroyFilesystem recursively destroys dataset and everything beneath
// it, per §4.1's "destroy_filesystem — recursive".
func (d *Driver) DestroyFilesystem(ctx context.Context, dataset string) error {
	_, err := d.exec(ctx, "destroy", "-r", dataset)
	return err
}

// RollbackFilesystem rolls dataset back to snapshotName, destroying any
// more recent snapshots in the way.
func (d *Driver) RollbackFilesystem(ctx context.Context, dataset, snapshotName string) error {
	_, err := d.exec(ctx, "rollback", "-r", snapName(dataset, snapshotName))
	return err
}

// SendSize returns the dry-run byte count of a full send of dataset@name.
func (d *Driver) SendSize(ctx context.Context, dataset, name string) (uint64, error) {
	out, err := d.exec(ctx, "send", "--parsable", "--dryrun", snapName(dataset, name))
	if err != nil {
		return 0, err
	}
	return parseDryRunSize(out)
}

// SendSizeInc returns the dry-run byte count of an incremental send from
// fromName to toName on dataset.
func (d *Driver) SendSizeInc(ctx context.Context, dataset, fromName, toName string) (uint64, error) {
	out, err := d.exec(ctx, "send", "--parsable", "--dryrun", "-i",
		snapName(dataset, fromName), snapName(dataset, toName))
	if err != nil {
		return 0, err
	}
	return parseDryRunSize(out)
}

// parseDryRunSize extracts the byte count from `zfs send --parsable
// --dryrun` output, whose last parseable line looks like
// "size\t<bytes>".
func parseDryRunSize(out string) (uint64, error) {
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) == 2 && fields[0] == "size" {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("zfs send --dryrun: no size line in output: %q", out)
}

func snapName(dataset, name string) string {
	return dataset + "@" + name
}
