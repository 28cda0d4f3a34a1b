package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ddebeau/zfs-uploader/pkg/objectstore"
	"github.com/ddebeau/zfs-uploader/pkg/zfs"
)

// fakeDriver is an in-memory stand-in for the Dataset Driver, letting
// the Snapshot Catalog's tests run without a real zfs pool.
type fakeDriver struct {
	mu        sync.Mutex
	snapshots map[string]map[string]bool // dataset -> name -> exists
	createErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{snapshots: map[string]map[string]bool{}}
}

func (f *fakeDriver) ListSnapshots(_ context.Context) ([]zfs.SnapshotEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []zfs.SnapshotEntry
	for dataset, names := range f.snapshots {
		for name := range names {
			out = append(out, zfs.SnapshotEntry{Dataset: dataset, Name: name})
		}
	}
	return out, nil
}

func (f *fakeDriver) CreateSnapshot(_ context.Context, dataset, name string) error {
	if f.createErr != nil {
		return f.createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.snapshots[dataset] == nil {
		f.snapshots[dataset] = map[string]bool{}
	}
	if f.snapshots[dataset][name] {
		return fmt.Errorf("snapshot %s@%s already exists", dataset, name)
	}
	f.snapshots[dataset][name] = true
	return nil
}

func (f *fakeDriver) DestroySnapshot(_ context.Context, dataset, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.snapshots[dataset][name] {
		return fmt.Errorf("snapshot %s@%s not found", dataset, name)
	}
	delete(f.snapshots[dataset], name)
	return nil
}

// fakeBlobStore is an in-memory stand-in for the Object Store Driver,
// letting the Backup Catalog's tests run without a real S3-compatible
// endpoint.
type fakeBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putErr    error
	deleteErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) PutObject(_ context.Context, key string, body []byte) error {
	if f.putErr != nil {
		return f.putErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make([]byte, len(body))
	copy(cp, body)
	f.objects[key] = cp
	return nil
}

func (f *fakeBlobStore) GetObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return body, nil
}

func (f *fakeBlobStore) DeleteObject(_ context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, key)
	return nil
}
