// Package cache keeps downloaded activity recordings on disk, indexed by
// fingerprint in the catalog. Files are content-addressed as
// <dir>/<fingerprint>.<format>, so a re-download always lands on the same
// path and a crash mid-write never corrupts a served file: writes go to a
// uniquely named temp file first and are renamed into place.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitsync/fitsync/internal/catalog"
	"github.com/fitsync/fitsync/internal/convert"
	"github.com/fitsync/fitsync/internal/models"
)

// Source fetches the original recording for a fingerprint. The executor
// implements this on top of the platform adapters and the rate governor, so
// the cache never talks to the network itself.
type Source interface {
	Fetch(ctx context.Context, fingerprint string) (data []byte, format models.FileFormat, err error)
}

// Cache is the content-addressed file store.
type Cache struct {
	dir   string
	store *catalog.Store

	// One in-flight fill per fingerprint; two directions wanting the same
	// activity must not download it twice.
	locks sync.Map // fingerprint -> *sync.Mutex

	now func() time.Time
}

func New(dir string, store *catalog.Store) *Cache {
	return &Cache{dir: dir, store: store, now: time.Now}
}

// Path returns the canonical location for a fingerprint in a format.
func (c *Cache) Path(fingerprint string, format models.FileFormat) string {
	return filepath.Join(c.dir, fingerprint+"."+string(format))
}

// EnsureFile returns a cached file for the fingerprint in the requested
// format, producing it if needed: a direct hit wins, then transcoding from
// another cached format, then a download through src. The returned path is
// stable until a sweep removes it.
func (c *Cache) EnsureFile(ctx context.Context, fingerprint string, format models.FileFormat, src Source) (string, error) {
	lock := c.lockFor(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	if path, ok, err := c.lookup(fingerprint, format); err != nil || ok {
		return path, err
	}

	if path, ok, err := c.transcodeFromCached(fingerprint, format); err != nil || ok {
		return path, err
	}

	data, nativeFormat, err := src.Fetch(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	nativePath, err := c.put(fingerprint, nativeFormat, data)
	if err != nil {
		return "", err
	}
	if nativeFormat == format {
		return nativePath, nil
	}

	if !convert.CanConvert(nativeFormat, format) {
		return "", fmt.Errorf("platform serves %s and %s cannot become %s", nativeFormat, nativeFormat, format)
	}
	converted, err := convert.Convert(data, nativeFormat, format)
	if err != nil {
		return "", err
	}
	return c.put(fingerprint, format, converted)
}

// lookup checks the index and verifies the file still exists; a dangling
// index row is dropped so the caller falls through to a refill.
func (c *Cache) lookup(fingerprint string, format models.FileFormat) (string, bool, error) {
	entry, ok, err := c.store.GetCache(fingerprint, format)
	if err != nil || !ok {
		return "", false, err
	}
	if _, err := os.Stat(entry.Path); err != nil {
		if derr := c.store.DeleteCache(fingerprint, format); derr != nil {
			return "", false, derr
		}
		return "", false, nil
	}
	return entry.Path, true, nil
}

func (c *Cache) transcodeFromCached(fingerprint string, format models.FileFormat) (string, bool, error) {
	formats, err := c.store.CacheFormats(fingerprint)
	if err != nil {
		return "", false, err
	}

	// Prefer the richest cached source.
	for _, from := range models.FormatPreference {
		if !hasFormat(formats, from) || !convert.CanConvert(from, format) {
			continue
		}
		srcPath, ok, err := c.lookup(fingerprint, from)
		if err != nil || !ok {
			if err != nil {
				return "", false, err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return "", false, fmt.Errorf("failed to read cached %s: %w", from, err)
		}
		converted, err := convert.Convert(data, from, format)
		if err != nil {
			return "", false, err
		}
		path, err := c.put(fingerprint, format, converted)
		if err != nil {
			return "", false, err
		}
		return path, true, nil
	}
	return "", false, nil
}

// put stages data in a temp file and renames it onto the canonical path,
// then records the index row.
func (c *Cache) put(fingerprint string, format models.FileFormat, data []byte) (string, error) {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	final := c.Path(fingerprint, format)
	tmp := filepath.Join(c.dir, ".staging-"+uuid.NewString())

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to stage cache file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit cache file: %w", err)
	}

	err := c.store.RecordCache(models.CacheEntry{
		Fingerprint: fingerprint,
		Format:      format,
		Path:        final,
		Size:        int64(len(data)),
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// Validate drops index rows whose files vanished, so a run never trusts a
// stale index. Returns the number of rows dropped.
func (c *Cache) Validate() (int, error) {
	entries, err := c.store.AllCache()
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, e := range entries {
		if _, err := os.Stat(e.Path); os.IsNotExist(err) {
			if derr := c.store.DeleteCache(e.Fingerprint, e.Format); derr != nil {
				return dropped, derr
			}
			dropped++
		}
	}
	return dropped, nil
}

// SweepResult summarizes a cleanup pass.
type SweepResult struct {
	Expired  int
	Orphans  int
	Freed    int64
}

// Sweep removes cache entries older than ttl, files on disk that no index
// row claims, and stale staging leftovers.
func (c *Cache) Sweep(ttl time.Duration) (SweepResult, error) {
	var res SweepResult

	expired, err := c.store.ExpiredCache(c.now().Add(-ttl))
	if err != nil {
		return res, err
	}
	for _, e := range expired {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return res, fmt.Errorf("failed to remove expired %s: %w", e.Path, err)
		}
		if err := c.store.DeleteCache(e.Fingerprint, e.Format); err != nil {
			return res, err
		}
		res.Expired++
		res.Freed += e.Size
	}

	indexed, err := c.store.AllCache()
	if err != nil {
		return res, err
	}
	known := make(map[string]bool, len(indexed))
	for _, e := range indexed {
		known[filepath.Clean(e.Path)] = true
	}

	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to scan cache directory: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		if known[filepath.Clean(path)] && !strings.HasPrefix(de.Name(), ".staging-") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return res, fmt.Errorf("failed to remove orphan %s: %w", path, err)
		}
		res.Orphans++
		res.Freed += info.Size()
	}
	return res, nil
}

func (c *Cache) lockFor(fingerprint string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(fingerprint, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func hasFormat(formats []models.FileFormat, f models.FileFormat) bool {
	for _, have := range formats {
		if have == f {
			return true
		}
	}
	return false
}
