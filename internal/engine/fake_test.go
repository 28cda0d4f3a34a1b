package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ddebeau/zfs-uploader/internal/catalog"
	"github.com/ddebeau/zfs-uploader/pkg/objectstore"
)

// fakeSendStream is a sendStream backed by an in-memory payload.
type fakeSendStream struct {
	io.Reader
	waitErr error
}

func (f *fakeSendStream) Wait() error { return f.waitErr }

// fakeReceiveStream is a receiveStream that captures everything
// written to it.
type fakeReceiveStream struct {
	buf     bytes.Buffer
	waitErr error
}

func (f *fakeReceiveStream) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeReceiveStream) Close() error                { return nil }
func (f *fakeReceiveStream) Wait() error                 { return f.waitErr }

// fakeDriver is an in-memory stand-in for the Dataset Driver.
type fakeDriver struct {
	mu        sync.Mutex
	snapshots map[string]map[string]bool
	fullData  map[string][]byte // dataset -> current full content, keyed by snapshot at capture time
	contents  map[string]string // dataset@name -> content snapshot captured
	sendErr   error

	rolledBackTo map[string]string
	destroyed    map[string]bool

	// onReceive, when set, is called for every receive opened into
	// dataset@name, standing in for the snapshot a real receive leaves.
	onReceive func(dataset, name string)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		snapshots:    map[string]map[string]bool{},
		contents:     map[string]string{},
		rolledBackTo: map[string]string{},
		destroyed:    map[string]bool{},
	}
}

func (f *fakeDriver) setContent(dataset, name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots[dataset] == nil {
		f.snapshots[dataset] = map[string]bool{}
	}
	f.snapshots[dataset][name] = true
	f.contents[dataset+"@"+name] = content
}

func (f *fakeDriver) SendSize(_ context.Context, dataset, name string) (uint64, error) {
	return uint64(len(f.contents[dataset+"@"+name])), nil
}

func (f *fakeDriver) SendSizeInc(_ context.Context, dataset, fromName, toName string) (uint64, error) {
	from := f.contents[dataset+"@"+fromName]
	to := f.contents[dataset+"@"+toName]
	if len(to) < len(from) {
		return 0, nil
	}
	return uint64(len(to) - len(from)), nil
}

func (f *fakeDriver) OpenSendStream(_ context.Context, dataset, name string) (sendStream, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &fakeSendStream{Reader: bytes.NewReader([]byte(f.contents[dataset+"@"+name]))}, nil
}

func (f *fakeDriver) OpenSendStreamInc(_ context.Context, dataset, fromName, toName string) (sendStream, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	// A real incremental send carries a delta; for the fake, carry the
	// full "to" content tagged with its dependency so replay can
	// reconstruct it deterministically without modeling real zfs diffs.
	payload := fmt.Sprintf("%s|%s", fromName, f.contents[dataset+"@"+toName])
	return &fakeSendStream{Reader: bytes.NewReader([]byte(payload))}, nil
}

func (f *fakeDriver) OpenReceiveStream(_ context.Context, dataset, name string, _ bool) (receiveStream, error) {
	if f.onReceive != nil {
		f.onReceive(dataset, name)
	}
	return &fakeReceiveStream{}, nil
}

func (f *fakeDriver) RollbackFilesystem(_ context.Context, dataset, snapshotName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBackTo[dataset] = snapshotName
	return nil
}

func (f *fakeDriver) DestroyFilesystem(_ context.Context, dataset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[dataset] = true
	return nil
}

// fakeStore is an in-memory stand-in for the Object Store Driver.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) UploadStream(_ context.Context, key string, r io.Reader, _ int64, _ int, _ string, progress objectstore.ProgressFunc) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	if progress != nil {
		progress(int64(len(data)))
	}
	return nil
}

func (f *fakeStore) DownloadStream(_ context.Context, key string, w io.Writer, _ int, progress objectstore.ProgressFunc) error {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return objectstore.ErrNotFound
	}
	if _, err := w.Write(data); err != nil {
		if objectstore.IsBrokenPipe(err) {
			return nil
		}
		return err
	}
	if progress != nil {
		progress(int64(len(data)))
	}
	return nil
}

func (f *fakeStore) HeadObject(_ context.Context, key string) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return false, 0, nil
	}
	return true, int64(len(data)), nil
}

// fakeBackupCatalog is an in-memory stand-in for the Backup Catalog.
type fakeBackupCatalog struct {
	mu      sync.Mutex
	backups map[string]*catalog.Backup
}

func newFakeBackupCatalog() *fakeBackupCatalog {
	return &fakeBackupCatalog{backups: map[string]*catalog.Backup{}}
}

func (f *fakeBackupCatalog) CreateBackup(_ context.Context, backupTime, backupType, objectKey, dependency string, size uint64) (*catalog.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &catalog.Backup{BackupTime: backupTime, BackupType: backupType, ObjectKey: objectKey, Dependency: dependency, BackupSize: size}
	f.backups[backupTime] = b
	return b, nil
}

func (f *fakeBackupCatalog) DeleteBackup(_ context.Context, backupTime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.backups, backupTime)
	return nil
}

func (f *fakeBackupCatalog) GetBackup(backupTime string) (*catalog.Backup, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backups[backupTime]
	return b, ok
}

func (f *fakeBackupCatalog) GetBackups(backupType string) []*catalog.Backup {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*catalog.Backup
	for _, b := range f.backups {
		if backupType == "" || b.BackupType == backupType {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupTime < out[j].BackupTime })
	return out
}

func (f *fakeBackupCatalog) GetBackupTimes(backupType string) []string {
	var out []string
	for _, b := range f.GetBackups(backupType) {
		out = append(out, b.BackupTime)
	}
	return out
}

// fakeSnapshotCatalog is an in-memory stand-in for the Snapshot
// Catalog.
type fakeSnapshotCatalog struct {
	mu        sync.Mutex
	names     []string
	nextNames []string // names CreateSnapshot returns, in order, for deterministic tests
	next      int
}

func newFakeSnapshotCatalog() *fakeSnapshotCatalog {
	return &fakeSnapshotCatalog{}
}

func (f *fakeSnapshotCatalog) CreateSnapshot(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.nextNames) {
		return "", fmt.Errorf("fakeSnapshotCatalog: no scripted name left")
	}
	name := f.nextNames[f.next]
	f.next++
	f.names = append(f.names, name)
	sort.Strings(f.names)
	return name, nil
}

func (f *fakeSnapshotCatalog) DeleteSnapshot(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	for _, n := range f.names {
		if n != name {
			kept = append(kept, n)
		}
	}
	f.names = kept
	return nil
}

func (f *fakeSnapshotCatalog) GetSnapshotNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.names...)
	sort.Strings(out)
	return out
}

func (f *fakeSnapshotCatalog) HasSnapshot(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.names {
		if n == name {
			return true
		}
	}
	return false
}

func (f *fakeSnapshotCatalog) Refresh(_ context.Context) error { return nil }

// received records name as a local snapshot, the way a completed
// receive leaves one behind.
func (f *fakeSnapshotCatalog) received(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	sort.Strings(f.names)
}
