package r2s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type MirrorConfig struct {
	// DataDir is the local root; object keys are paths relative to it.
	DataDir string
	Prefix  string
	Workers int
	// QueueCapacity defaults to 256.
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue blocks on a full queue.
	EnqueueWait time.Duration
	Attempts    int
	Backoff     time.Duration
	Logger      *zap.Logger
}

type Stats struct {
	QueueDepth int
	Enqueued   uint64
	Dropped    uint64
	Uploaded   uint64
	Failed     uint64
}

// Mirror copies finished local files to the bucket in the background.
type Mirror struct {
	up  Uploader
	cfg MirrorConfig
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	jobs   chan string
	wg     sync.WaitGroup

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
}

func NewMirror(up Uploader, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		up:     up,
		cfg:    cfg,
		log:    logger.Named("mirror"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan string, cfg.QueueCapacity),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.uploadOne(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It never blocks longer than EnqueueWait and
// reports whether the file was queued. Safe on a nil Mirror.
func (m *Mirror) Enqueue(localPath string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	m.enqueued.Add(1)

	select {
	case m.jobs <- localPath:
		return true
	default:
	}
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
		return true
	case <-timer.C:
		m.dropped.Add(1)
		m.log.Warn("queue full; dropped file", zap.String("path", localPath))
		return false
	}
}

// Close waits for queued uploads, retries included, then stops the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.jobs)
	m.mu.Unlock()

	m.wg.Wait()
	m.cancel()
	s := m.Stats()
	m.log.Info("mirror closed", zap.Uint64("uploaded", s.Uploaded), zap.Uint64("failed", s.Failed), zap.Uint64("dropped", s.Dropped))
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth: len(m.jobs),
		Enqueued:   m.enqueued.Load(),
		Dropped:    m.dropped.Load(),
		Uploaded:   m.uploaded.Load(),
		Failed:     m.failed.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Warn("skipping file", zap.String("path", localPath), zap.Error(err))
		return
	}
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.failed.Add(1)
		m.log.Error("upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.uploaded.Add(1)
	m.log.Debug("uploaded", zap.String("key", key))
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == m.cfg.Attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * m.cfg.Backoff):
		case <-m.ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// objectKey maps a file under DataDir to Prefix/<relative path>.
func (m *Mirror) objectKey(localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(m.cfg.DataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.cfg.Prefix == "" {
		return rel, nil
	}
	return path.Join(m.cfg.Prefix, rel), nil
}
