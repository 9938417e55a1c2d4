// Package content implements the content-addressed resource cache.
//
// Files are stored under a single cache directory named by their content
// hash. Downloads stream to "<hash>.tmp" and are renamed into place on
// completion, so a partially downloaded file is never visible under its
// final name. Concurrent fetches for the same hash share a single download.
package content

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"go.uber.org/zap"

	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/internal/httpclient"
)

// downloadedSizeThreshold batches downloaded-byte accounting so the atomic
// counter is not hammered per chunk.
const downloadedSizeThreshold = 1024 * 1024

type fileMeta struct {
	path         string
	size         int64
	lastAccessed time.Time
}

// Provider is the process-wide content cache. All methods are safe for
// concurrent use.
type Provider struct {
	cacheDir string
	client   *httpclient.Client
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	files map[string]*fileMeta // hash -> metadata

	maxBytes       atomic.Int64
	downloadedSize atomic.Uint64

	flight singleflight.Group

	semMu sync.Mutex
	sem   *semaphore.Weighted

	initOnce sync.Once
	initErr  error
}

// NewProvider creates a provider rooted at cacheDir. The directory is created
// and swept for stale ".tmp" files lazily, on first use.
func NewProvider(cacheDir string, maxBytes int64, maxConcurrentDownloads int64, client *httpclient.Client, log *zap.SugaredLogger) *Provider {
	if maxConcurrentDownloads <= 0 {
		maxConcurrentDownloads = 1
	}
	p := &Provider{
		cacheDir: cacheDir,
		client:   client,
		logger:   log,
		files:    make(map[string]*fileMeta),
		sem:      semaphore.NewWeighted(maxConcurrentDownloads),
	}
	p.maxBytes.Store(maxBytes)
	return p
}

// Path returns the on-disk location for a content hash.
func (p *Provider) Path(hash string) string {
	return filepath.Join(p.cacheDir, hash)
}

// initialize scans the cache directory, deletes in-flight temp files left
// over from a previous run, and accounts every resident file.
func (p *Provider) initialize() error {
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}

	entries, err := os.ReadDir(p.cacheDir)
	if err != nil {
		return errors.Wrap(err, "failed to read cache directory")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		full := filepath.Join(p.cacheDir, name)
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(full); err != nil {
				p.logger.Warnw("Failed to remove stale temp file", "file", full, "error", err)
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		p.files[name] = &fileMeta{path: full, size: info.Size(), lastAccessed: time.Now()}
	}

	p.ensureSpaceForLocked(0)
	return nil
}

func (p *Provider) ensureInitialized() error {
	p.initOnce.Do(func() {
		p.initErr = p.initialize()
	})
	return p.initErr
}

// totalSizeLocked sums resident file sizes. Caller holds p.mu.
func (p *Provider) totalSizeLocked() int64 {
	var total int64
	for _, m := range p.files {
		total += m.size
	}
	return total
}

// ensureSpaceForLocked evicts least-recently-accessed files until the new
// file fits, or the cache cannot shrink further. Caller holds p.mu.
func (p *Provider) ensureSpaceForLocked(size int64) {
	maxBytes := p.maxBytes.Load()
	for p.totalSizeLocked()+size > maxBytes {
		if !p.removeLeastUsedLocked() {
			break
		}
	}
}

func (p *Provider) removeLeastUsedLocked() bool {
	var oldestHash string
	var oldest *fileMeta
	for hash, m := range p.files {
		if oldest == nil || m.lastAccessed.Before(oldest.lastAccessed) {
			oldestHash = hash
			oldest = m
		}
	}
	if oldest == nil {
		return false
	}
	delete(p.files, oldestHash)
	if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
		p.logger.Warnw("Failed to remove evicted file", "file", oldest.path, "error", err)
	}
	return true
}

// Exists reports whether a hash is resident in the cache.
func (p *Provider) Exists(hash string) bool {
	if err := p.ensureInitialized(); err != nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.files[hash]
	return ok
}

// TotalSize returns the accounted size of all resident files.
func (p *Provider) TotalSize() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalSizeLocked()
}

// ConsumeDownloadedBytes returns bytes downloaded since the previous call and
// resets the counter. Used for bandwidth reporting.
func (p *Provider) ConsumeDownloadedBytes() uint64 {
	return p.downloadedSize.Swap(0)
}

// SetMaxBytes changes the cache size bound. Existing entries are not evicted
// until the next insert.
func (p *Provider) SetMaxBytes(n int64) {
	p.maxBytes.Store(n)
}

// SetMaxConcurrency replaces the download governor. Downloads already holding
// a permit on the old semaphore are unaffected.
func (p *Provider) SetMaxConcurrency(n int64) {
	if n <= 0 {
		n = 1
	}
	p.semMu.Lock()
	p.sem = semaphore.NewWeighted(n)
	p.semMu.Unlock()
}

func (p *Provider) currentSem() *semaphore.Weighted {
	p.semMu.Lock()
	defer p.semMu.Unlock()
	return p.sem
}

// Store inserts externally produced content under cache accounting.
func (p *Provider) Store(hash string, data []byte) error {
	if err := p.ensureInitialized(); err != nil {
		return err
	}

	dest := p.Path(hash)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to rename temp file")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureSpaceForLocked(int64(len(data)))
	p.files[hash] = &fileMeta{path: dest, size: int64(len(data)), lastAccessed: time.Now()}
	return nil
}

// Fetch guarantees that on success the file for hash exists at destPath with
// the content of url, accounted in the cache. Concurrent callers for the
// same hash share a single download. No retries; errors are returned to the
// caller as-is.
func (p *Provider) Fetch(ctx context.Context, url, hash, destPath string) error {
	_, err := p.fetch(ctx, url, hash, destPath, false)
	return err
}

// FetchBytes is Fetch but also returns the content.
func (p *Provider) FetchBytes(ctx context.Context, url, hash, destPath string) ([]byte, error) {
	return p.fetch(ctx, url, hash, destPath, true)
}

func (p *Provider) fetch(ctx context.Context, url, hash, destPath string, wantBytes bool) ([]byte, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}
	if destPath == "" {
		destPath = p.Path(hash)
	}

	// Single-flight: one download per hash; waiters share the outcome. The
	// semaphore permit is acquired inside the flight, after registration, so
	// waiters never hold permits.
	v, err, _ := p.flight.Do(hash, func() (interface{}, error) {
		sem := p.currentSem()
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, "download canceled")
		}
		defer sem.Release(1)

		if _, statErr := os.Stat(destPath); statErr == nil {
			return p.touchAndMaybeRead(hash, destPath, wantBytes)
		}

		data, err := p.downloadFile(ctx, url, destPath, wantBytes)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(destPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to stat downloaded file")
		}

		p.mu.Lock()
		p.ensureSpaceForLocked(info.Size())
		p.files[hash] = &fileMeta{path: destPath, size: info.Size(), lastAccessed: time.Now()}
		p.mu.Unlock()

		return data, nil
	})
	if err != nil {
		return nil, err
	}

	// A waiter that shared a successful flight re-checks that the file is
	// still present; eviction between completion and wake-up is a failure
	// for that waiter.
	if !p.Exists(hash) {
		return nil, errors.Newf("file %s not found after waiting", hash)
	}

	if !wantBytes {
		return nil, nil
	}
	if data, ok := v.([]byte); ok && data != nil {
		return data, nil
	}
	// Shared a flight that did not buffer; read from disk.
	data, err := os.ReadFile(destPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cached file")
	}
	return data, nil
}

// touchAndMaybeRead updates last-accessed for a cache hit and optionally
// returns the file content.
func (p *Provider) touchAndMaybeRead(hash, path string, wantBytes bool) ([]byte, error) {
	p.mu.Lock()
	if m, ok := p.files[hash]; ok {
		m.lastAccessed = time.Now()
	} else {
		// File exists on disk but was never accounted (external write).
		if info, err := os.Stat(path); err == nil {
			p.files[hash] = &fileMeta{path: path, size: info.Size(), lastAccessed: time.Now()}
		}
	}
	p.mu.Unlock()

	if !wantBytes {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	return data, nil
}

// downloadFile streams url into destPath+".tmp" and renames on completion.
// On any failure the temp file is removed and no final file appears.
func (p *Provider) downloadFile(ctx context.Context, url, destPath string, buffer bool) ([]byte, error) {
	tmp := destPath + ".tmp"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "request error")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request error")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf("failed to download file: status %d", resp.StatusCode)
	}

	f, err := os.Create(tmp)
	if err != nil {
		return nil, errors.Wrap(err, "file creation error")
	}

	var buf []byte
	var accumulated uint64
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if _, werr := f.Write(chunk[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return nil, errors.Wrap(werr, "file write error")
			}
			if buffer {
				buf = append(buf, chunk[:n]...)
			}
			accumulated += uint64(n)
			if accumulated > downloadedSizeThreshold {
				p.downloadedSize.Add(accumulated)
				accumulated = 0
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tmp)
			return nil, errors.Wrap(readErr, "stream error")
		}
	}
	if accumulated > 0 {
		p.downloadedSize.Add(accumulated)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, errors.Wrap(err, "file close error")
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return nil, errors.Wrapf(err, "failed to rename %s to %s", tmp, destPath)
	}

	return buf, nil
}

// Clear removes every resident file and its accounting.
func (p *Provider) Clear() {
	if err := p.ensureInitialized(); err != nil {
		p.logger.Errorw("Cache failed to initialize", "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for hash, m := range p.files {
		delete(p.files, hash)
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			p.logger.Warnw("Failed to remove cached file", "file", m.path, "error", err)
		}
	}
}
