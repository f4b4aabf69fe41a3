// Package memstore is an in-memory storage.Bucket with failure injection.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"s3mirror/pkg/models"
	"s3mirror/pkg/storage"
)

// Bucket keeps objects in a map. Keys are listed in lexicographic order.
type Bucket struct {
	name string

	mu      sync.Mutex
	objects map[string][]byte
	// reported sizes that differ from the stored content (e.g. zero-size markers)
	sizes map[string]int64

	// failure injection, keyed by object key
	DownloadErr map[string]error
	UploadErr   map[string]error
	ExistsErr   map[string]error
	ListErr     error
	// ListErrAfter makes the listing fail after this many objects when ListErr is set
	ListErrAfter int

	Downloads []string
	Uploads   []string
	Checks    []string
}

// New returns an empty bucket
func New(name string) *Bucket {
	return &Bucket{
		name:        name,
		objects:     make(map[string][]byte),
		sizes:       make(map[string]int64),
		DownloadErr: make(map[string]error),
		UploadErr:   make(map[string]error),
		ExistsErr:   make(map[string]error),
	}
}

func (b *Bucket) Name() string { return b.name }

// Put stores content at key
func (b *Bucket) Put(key string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), content...)
	delete(b.sizes, key)
}

// PutSized stores content at key but reports size in listings
func (b *Bucket) PutSized(key string, content []byte, size int64) {
	b.Put(key, content)
	b.mu.Lock()
	b.sizes[key] = size
	b.mu.Unlock()
}

// Get returns the content stored at key
func (b *Bucket) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.objects[key]
	return content, ok
}

// Keys returns every stored key, sorted
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Bucket) List(ctx context.Context, prefix string) storage.ObjectIterator {
	b.mu.Lock()
	defer b.mu.Unlock()

	var summaries []models.ObjectSummary
	for key, content := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		size := int64(len(content))
		if s, ok := b.sizes[key]; ok {
			size = s
		}
		summaries = append(summaries, models.ObjectSummary{Key: key, Size: size, LastModified: time.Unix(0, 0)})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Key < summaries[j].Key })

	return &iter{objects: summaries, err: b.ListErr, errAfter: b.ListErrAfter}
}

type iter struct {
	objects  []models.ObjectSummary
	pos      int
	err      error
	errAfter int
}

func (it *iter) Next() (models.ObjectSummary, error) {
	if it.err != nil && it.pos >= it.errAfter {
		return models.ObjectSummary{}, it.err
	}
	if it.pos >= len(it.objects) {
		return models.ObjectSummary{}, storage.Done
	}
	obj := it.objects[it.pos]
	it.pos++
	return obj, nil
}

func (b *Bucket) Download(ctx context.Context, key string, dst io.WriterAt) error {
	b.mu.Lock()
	b.Downloads = append(b.Downloads, key)
	err := b.DownloadErr[key]
	content, ok := b.objects[key]
	b.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s/%s: %w", b.name, key, storage.ErrNotFound)
	}
	_, err = dst.WriteAt(content, 0)
	return err
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Checks = append(b.Checks, key)
	if err := b.ExistsErr[key]; err != nil {
		return false, err
	}
	_, ok := b.objects[key]
	return ok, nil
}

func (b *Bucket) Upload(ctx context.Context, key string, src io.Reader, size int64) error {
	b.mu.Lock()
	b.Uploads = append(b.Uploads, key)
	err := b.UploadErr[key]
	b.mu.Unlock()

	if err != nil {
		return err
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, src)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short upload for %s: got %d bytes, want %d", key, n, size)
	}
	b.Put(key, buf.Bytes())
	return nil
}
