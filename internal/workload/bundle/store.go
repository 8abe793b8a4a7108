// Package bundle stages admitted code bundles for launch. Bundles are
// zstd-compressed tars in object storage; staging extracts them under
// a local root and caches the result keyed by object ETag, so repeated
// starts of the same code skip the download.
package bundle

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"warden/internal/common/cache"
	"warden/internal/common/storage"
	appErr "warden/pkg/errors"
)

const (
	metaFileName  = ".warden-meta.json"
	tempFileName  = "bundle.tmp"
	lockKeyPrefix = "warden:bundle:lock:"
)

// Config controls the staging cache.
type Config struct {
	RootDir    string        `yaml:"root_dir" json:"root_dir"`
	Bucket     string        `yaml:"bucket" json:"bucket"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	LockWait   time.Duration `yaml:"lock_wait" json:"lock_wait"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes" json:"max_bytes"`
}

type stagedMeta struct {
	CodeRef   string `json:"code_ref"`
	ETag      string `json:"etag"`
	SizeBytes int64  `json:"size_bytes"`
}

type cacheEntry struct {
	key       string
	path      string
	sizeBytes int64
	expiresAt time.Time
}

// Store stages bundles and keeps extracted copies on disk.
type Store struct {
	cfg     Config
	storage storage.ObjectStorage
	lock    cache.LockOps

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruKeys   []string
	totalSize int64
}

// NewStore creates a bundle store.
func NewStore(cfg Config, storageClient storage.ObjectStorage, lock cache.LockOps) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	return &Store{
		cfg:     cfg,
		storage: storageClient,
		lock:    lock,
		entries: make(map[string]*cacheEntry),
	}
}

// Stage makes the bundle behind codeRef available locally and returns
// its directory. The object's current ETag keys the cache, so a
// republished bundle under the same ref is staged fresh.
func (s *Store) Stage(ctx context.Context, codeRef string) (string, error) {
	if codeRef == "" {
		return "", appErr.ValidationError("code_ref", "required")
	}
	if s.storage == nil {
		return "", appErr.New(appErr.BundleFetchFailed).WithMessage("storage client is not initialized")
	}
	if s.cfg.RootDir == "" {
		return "", appErr.New(appErr.BundleFetchFailed).WithMessage("bundle root is not configured")
	}

	stat, err := s.storage.StatObject(ctx, s.cfg.Bucket, codeRef)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFetchFailed, "stat bundle failed")
	}

	key := stageKey(codeRef, stat.ETag)
	path := filepath.Join(s.cfg.RootDir, key)

	if ok := s.hitEntry(key); ok {
		return path, nil
	}
	if ok := s.checkDisk(path, codeRef, stat.ETag); ok {
		s.addEntry(key, path)
		return path, nil
	}

	if err := s.fetchAndExtract(ctx, codeRef, stat, path); err != nil {
		return "", err
	}
	s.addEntry(key, path)
	return path, nil
}

func (s *Store) hitEntry(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		s.removeEntryLocked(key)
		return false
	}
	entry.expiresAt = time.Now().Add(s.cfg.TTL)
	s.touchLocked(key)
	return true
}

func (s *Store) checkDisk(path, codeRef, etag string) bool {
	data, err := os.ReadFile(filepath.Join(path, metaFileName))
	if err != nil {
		return false
	}
	var stored stagedMeta
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	return stored.CodeRef == codeRef && stored.ETag == etag
}

func (s *Store) fetchAndExtract(ctx context.Context, codeRef string, stat storage.ObjectStat, path string) error {
	if s.lock == nil {
		return appErr.New(appErr.BundleFetchFailed).WithMessage("lock client is not initialized")
	}
	lockKey := lockKeyPrefix + stageKey(codeRef, stat.ETag)
	locked, err := s.lock.TryLock(ctx, lockKey, 5*time.Minute)
	if err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "acquire bundle lock failed")
	}
	if !locked {
		return s.waitForStage(ctx, codeRef, stat.ETag, path)
	}
	defer func() {
		_ = s.lock.Unlock(ctx, lockKey)
	}()

	if ok := s.checkDisk(path, codeRef, stat.ETag); ok {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return appErr.Wrapf(err, appErr.BundleFetchFailed, "cleanup stage dir failed")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return appErr.Wrapf(err, appErr.BundleFetchFailed, "create stage dir failed")
	}

	tempPath := filepath.Join(path, tempFileName)
	if err := s.download(ctx, codeRef, stat, tempPath); err != nil {
		return err
	}
	if err := extractBundle(tempPath, path); err != nil {
		return err
	}
	_ = os.Remove(tempPath)

	metaBytes, _ := json.Marshal(stagedMeta{
		CodeRef:   codeRef,
		ETag:      stat.ETag,
		SizeBytes: stat.SizeBytes,
	})
	if err := os.WriteFile(filepath.Join(path, metaFileName), metaBytes, 0644); err != nil {
		return appErr.Wrapf(err, appErr.BundleFetchFailed, "write stage meta failed")
	}
	return nil
}

func (s *Store) waitForStage(ctx context.Context, codeRef, etag, path string) error {
	deadline := time.Now().Add(s.cfg.LockWait)
	for {
		if ok := s.checkDisk(path, codeRef, etag); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for bundle stage timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *Store) download(ctx context.Context, codeRef string, stat storage.ObjectStat, dstPath string) error {
	reader, err := s.storage.GetObject(ctx, s.cfg.Bucket, codeRef)
	if err != nil {
		return appErr.Wrapf(err, appErr.BundleFetchFailed, "download bundle failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.BundleFetchFailed, "create bundle file failed")
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		return appErr.Wrapf(err, appErr.BundleFetchFailed, "write bundle file failed")
	}
	if stat.SizeBytes > 0 && written != stat.SizeBytes {
		return appErr.Newf(appErr.BundleInvalid, "bundle size mismatch: got %d, want %d", written, stat.SizeBytes)
	}
	return nil
}

func extractBundle(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.BundleInvalid, "open bundle failed")
	}
	defer file.Close()

	zstdReader, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.BundleInvalid, "create zstd reader failed")
	}
	defer zstdReader.Close()

	tr := tar.NewReader(zstdReader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.BundleInvalid, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return appErr.New(appErr.BundleInvalid).WithMessage("invalid tar entry path")
		}
		target := filepath.Join(dstDir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
			return appErr.New(appErr.BundleInvalid).WithMessage("tar entry escape detected")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.BundleInvalid, "create dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return appErr.Wrapf(err, appErr.BundleInvalid, "create parent dir failed")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return appErr.Wrapf(err, appErr.BundleInvalid, "create file failed")
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return appErr.Wrapf(err, appErr.BundleInvalid, "write file failed")
			}
			_ = out.Close()
		default:
			// symlinks and devices are not part of the bundle contract
		}
	}
	return nil
}

func (s *Store) addEntry(key, path string) {
	size := dirSize(path)
	s.mu.Lock()
	if existing, ok := s.entries[key]; ok {
		s.totalSize -= existing.sizeBytes
	}
	s.entries[key] = &cacheEntry{
		key:       key,
		path:      path,
		sizeBytes: size,
		expiresAt: time.Now().Add(s.cfg.TTL),
	}
	s.totalSize += size
	s.touchLocked(key)
	s.evictLocked()
	s.mu.Unlock()
}

func (s *Store) touchLocked(key string) {
	for i, k := range s.lruKeys {
		if k == key {
			s.lruKeys = append(s.lruKeys[:i], s.lruKeys[i+1:]...)
			break
		}
	}
	s.lruKeys = append(s.lruKeys, key)
}

func (s *Store) evictLocked() {
	for {
		if s.cfg.MaxEntries > 0 && len(s.entries) > s.cfg.MaxEntries {
			s.removeOldestLocked()
			continue
		}
		if s.cfg.MaxBytes > 0 && s.totalSize > s.cfg.MaxBytes {
			s.removeOldestLocked()
			continue
		}
		break
	}
}

func (s *Store) removeOldestLocked() {
	if len(s.lruKeys) == 0 {
		return
	}
	key := s.lruKeys[0]
	s.lruKeys = s.lruKeys[1:]
	s.removeEntryLocked(key)
}

func (s *Store) removeEntryLocked(key string) {
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	s.totalSize -= entry.sizeBytes
	_ = os.RemoveAll(entry.path)
}

// stageKey derives a stable directory name from the ref and etag,
// shared across processes so lock waiters find the same path.
func stageKey(codeRef, etag string) string {
	sum := sha256.Sum256([]byte(codeRef + "\x00" + etag))
	return hex.EncodeToString(sum[:8])
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
