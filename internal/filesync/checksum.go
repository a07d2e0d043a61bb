package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/deskbridge/internal/storage"
	"golang.org/x/sync/semaphore"
)

// racyWindow is how old a file's mtime must be before its checksum is cached.
// Writes landing inside the same mtime tick would otherwise go unnoticed.
const racyWindow = 2 * time.Second

// Checksum is the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type cachedSum struct {
	size  int64
	mtime time.Time
	sum   string
}

// checksummer hashes file content. Large files share a bounded pool and
// results are cached by path, size and mtime.
type checksummer struct {
	cache     *lru.Cache[string, cachedSum]
	large     *semaphore.Weighted
	threshold int64
	now       func() time.Time
}

func newChecksummer(cacheSize, workers int, threshold int64) *checksummer {
	cache, _ := lru.New[string, cachedSum](cacheSize)
	return &checksummer{
		cache:     cache,
		large:     semaphore.NewWeighted(int64(workers)),
		threshold: threshold,
		now:       time.Now,
	}
}

// cached returns the checksum for info if the file has not changed since it
// was last hashed.
func (c *checksummer) cached(info storage.FileInfo) (string, bool) {
	e, ok := c.cache.Get(info.Path)
	if !ok || e.size != info.Size || !e.mtime.Equal(info.ModTime) {
		return "", false
	}
	return e.sum, true
}

// read loads the file and hashes it.
func (c *checksummer) read(ctx context.Context, store storage.FileStorage, info storage.FileInfo) ([]byte, string, error) {
	if info.Size >= c.threshold {
		if err := c.large.Acquire(ctx, 1); err != nil {
			return nil, "", err
		}
		defer c.large.Release(1)
	}

	data, err := store.Read(info.Path)
	if err != nil {
		return nil, "", err
	}
	sum := Checksum(data)
	c.remember(info, sum)
	return data, sum, nil
}

func (c *checksummer) remember(info storage.FileInfo, sum string) {
	if info.ModTime.IsZero() || c.now().Sub(info.ModTime) <= racyWindow {
		c.cache.Remove(info.Path)
		return
	}
	c.cache.Add(info.Path, cachedSum{size: info.Size, mtime: info.ModTime, sum: sum})
}

func (c *checksummer) forget(p string) {
	c.cache.Remove(p)
}
