package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/klauspost/compress/gzip"
)

// errObjectNotFound is returned for missing cold-tier objects.
var errObjectNotFound = errors.New("object not found")

// ObjectStore is the cold tier's backing store. Implementations must be
// independently stubbable; tests use memObjectStore.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// GCSStore stores objects in a Google Cloud Storage bucket. Payloads are
// gzip-compressed on the way in.
type GCSStore struct {
	client *storage.Client
	bucket string
}

var _ ObjectStore = (*GCSStore)(nil)

// NewGCSStore opens a client against the given bucket using ambient
// credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put writes the object, replacing any prior generation.
func (s *GCSStore) Put(ctx context.Context, name string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = "gzip"

	gz := gzip.NewWriter(w)
	if _, err := gz.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("compressing object: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("flushing object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

// Get reads and decompresses the object.
func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening object: %w", err)
	}
	defer func() { _ = r.Close() }()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing object: %w", err)
	}
	defer func() { _ = gz.Close() }()

	return io.ReadAll(gz)
}

// Delete removes the object. Missing objects are not an error.
func (s *GCSStore) Delete(ctx context.Context, name string) error {
	err := s.client.Bucket(s.bucket).Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// memObjectStore is an in-memory ObjectStore for tests and for running
// without a bucket configured.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ ObjectStore = (*memObjectStore)(nil)

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}}
}

func (s *memObjectStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = bytes.Clone(data)
	return nil
}

func (s *memObjectStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, errObjectNotFound
	}
	return bytes.Clone(data), nil
}

func (s *memObjectStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
	return nil
}
