package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

const tempMarker = ".tmp."

// BlobStore writes results to any gocloud blob bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	baseURI string
	prefix  string
	timings bool
}

// Open opens the bucket named by cfg.URL. Local directories are created if
// missing.
func Open(ctx context.Context, cfg StorageConfig) (*BlobStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("storage URL required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse storage URL %s: %w", cfg.URL, err)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0755); err != nil {
			return nil, fmt.Errorf("create base directory %s: %w", u.Path, err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.URL, err)
	}

	base := u.Scheme + "://" + u.Host + u.Path
	return &BlobStore{
		bucket:  bucket,
		baseURI: strings.TrimSuffix(base, "/"),
		prefix:  cfg.Prefix,
		timings: cfg.Timings,
	}, nil
}

// Save implements ResultStore.
func (s *BlobStore) Save(ctx context.Context, doc *Document) (*SaveResult, error) {
	ref := doc.Ref()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	res := &SaveResult{
		Key:      ref.Path(s.prefix),
		Checksum: Checksum(data),
		ByteSize: int64(len(data)),
	}
	finals := []string{res.Key}
	payloads := [][]byte{data}

	if s.timings {
		table, err := EncodeTimings(TimingRows(doc))
		if err != nil {
			return nil, err
		}
		res.TimingsKey = ref.TimingsPath(s.prefix)
		finals = append(finals, res.TimingsKey)
		payloads = append(payloads, table)
	}

	temps := make([]string, 0, len(finals))
	for i, key := range finals {
		tmp, err := s.WriteTemp(ctx, key, payloads[i])
		if err != nil {
			_ = s.Abort(ctx, temps)
			return nil, err
		}
		temps = append(temps, tmp)
	}

	if err := s.Finalize(ctx, finals, temps); err != nil {
		return nil, err
	}
	res.URI = s.URI(res.Key)
	return res, nil
}

// WriteManifest implements ResultStore.
func (s *BlobStore) WriteManifest(ctx context.Context, m *Manifest) (string, error) {
	key := ManifestPath(s.prefix, m.BatchID)
	data, err := m.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	tmp, err := s.WriteTemp(ctx, key, data)
	if err != nil {
		return "", err
	}
	if err := s.Finalize(ctx, []string{key}, []string{tmp}); err != nil {
		return "", err
	}
	return s.URI(key), nil
}

// Exists implements ResultStore.
func (s *BlobStore) Exists(ctx context.Context, ref ResultRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

// URI implements ResultStore.
func (s *BlobStore) URI(key string) string {
	return s.baseURI + "/" + key
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// --- AtomicStore implementation ---

// WriteTemp implements AtomicStore.
func (s *BlobStore) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	tempKey := key + tempMarker + uuid.New().String()
	if err := s.bucket.WriteAll(ctx, tempKey, data, nil); err != nil {
		return "", fmt.Errorf("write %s: %w", tempKey, err)
	}
	return tempKey, nil
}

// Finalize implements AtomicStore. Object stores have no rename, so this
// is copy then delete.
func (s *BlobStore) Finalize(ctx context.Context, finalKeys, tempKeys []string) error {
	if len(tempKeys) != len(finalKeys) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalKeys), len(tempKeys))
	}

	for i, tempKey := range tempKeys {
		if err := s.bucket.Copy(ctx, finalKeys[i], tempKey, nil); err != nil {
			for j := 0; j < i; j++ {
				_ = s.bucket.Delete(ctx, finalKeys[j])
			}
			_ = s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKeys[i], err)
		}
	}

	for _, tempKey := range tempKeys {
		_ = s.bucket.Delete(ctx, tempKey)
	}
	return nil
}

// Abort implements AtomicStore.
func (s *BlobStore) Abort(ctx context.Context, tempKeys []string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Head implements AtomicStore.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// List implements AtomicStore.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir || strings.Contains(obj.Key, tempMarker) {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Write atomically stores data at key and returns its URI.
func (s *BlobStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	tmp, err := s.WriteTemp(ctx, key, data)
	if err != nil {
		return "", err
	}
	if err := s.Finalize(ctx, []string{key}, []string{tmp}); err != nil {
		return "", err
	}
	return s.URI(key), nil
}

// Read returns the object stored at key.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Load reads a stored result document back.
func (s *BlobStore) Load(ctx context.Context, ref ResultRef) (*Document, error) {
	data, err := s.Read(ctx, ref.Path(s.prefix))
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", ref.Path(s.prefix), err)
	}
	return &doc, nil
}

// Verify BlobStore implements AtomicStore.
var _ AtomicStore = (*BlobStore)(nil)
