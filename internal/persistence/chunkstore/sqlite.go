package chunkstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteBackend writes ops from a single goroutine in batched transactions.
type SQLiteBackend struct {
	db  *sql.DB
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once

	commitEvery   int
	commitMaxWait time.Duration
}

type req struct {
	ops  []Op
	sync chan struct{}
}

type SQLiteOptions struct {
	// CommitEvery <= 0 means 512 ops per transaction.
	CommitEvery int
	// CommitMaxWait <= 0 means 2s.
	CommitMaxWait time.Duration
	Logger        *zap.Logger
}

func OpenSQLite(path string, opts SQLiteOptions) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &SQLiteBackend{
		db:            db,
		log:           opts.Logger,
		ch:            make(chan req, 1024),
		commitEvery:   opts.CommitEvery,
		commitMaxWait: opts.CommitMaxWait,
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.commitEvery <= 0 {
		b.commitEvery = 512
	}
	if b.commitMaxWait <= 0 {
		b.commitMaxWait = 2 * time.Second
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.loop()
	}()
	return b, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		key TEXT PRIMARY KEY,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		side_length INTEGER NOT NULL,
		perlin REAL NOT NULL,
		planets_json TEXT NOT NULL
	);`)
	return err
}

// Load returns every stored chunk, smallest first so merges replay in order.
func (b *SQLiteBackend) Load(ctx context.Context) ([]ExploredChunk, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT x, y, side_length, perlin, planets_json FROM chunks ORDER BY side_length, x, y`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExploredChunk
	for rows.Next() {
		var (
			c       ExploredChunk
			planets string
		)
		if err := rows.Scan(&c.ChunkFootprint.BottomLeft.X, &c.ChunkFootprint.BottomLeft.Y, &c.ChunkFootprint.SideLength, &c.Perlin, &planets); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(planets), &c.PlanetLocations); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.Key(), err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Apply queues ops for the writer. It blocks when the queue is full and is a no-op after Close.
func (b *SQLiteBackend) Apply(ops []Op) {
	if len(ops) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ch <- req{ops: ops}
}

// Sync blocks until everything queued before it is committed.
func (b *SQLiteBackend) Sync(ctx context.Context) error {
	done := make(chan struct{})
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	select {
	case b.ch <- req{sync: done}:
	case <-ctx.Done():
		b.mu.RUnlock()
		return ctx.Err()
	}
	b.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *SQLiteBackend) Close() error {
	var err error
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}

func (b *SQLiteBackend) loop() {
	ctx := context.Background()

	upsert, _ := b.db.Prepare(`INSERT OR REPLACE INTO chunks(key,x,y,side_length,perlin,planets_json) VALUES(?,?,?,?,?,?)`)
	remove, _ := b.db.Prepare(`DELETE FROM chunks WHERE key = ?`)
	defer func() {
		if upsert != nil {
			_ = upsert.Close()
		}
		if remove != nil {
			_ = remove.Close()
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			b.log.Warn("chunk store begin failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			b.log.Warn("chunk store commit failed", zap.Error(err))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= b.commitEvery || time.Since(lastCommit) >= b.commitMaxWait {
			commit()
		}
	}

	ticker := time.NewTicker(b.commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			flushIfNeeded()
			continue
		case r, ok := <-b.ch:
			if !ok {
				commit()
				return
			}
			if r.sync != nil {
				commit()
				close(r.sync)
				continue
			}
			begin()
			if tx == nil {
				continue
			}
			if err := applyOps(tx, upsert, remove, r.ops); err != nil {
				b.log.Warn("chunk store write failed", zap.Error(err), zap.Int("ops", len(r.ops)))
				rollback()
				continue
			}
			opCount += len(r.ops)
			flushIfNeeded()
		}
	}
}

func applyOps(tx *sql.Tx, upsert, remove *sql.Stmt, ops []Op) error {
	if upsert == nil || remove == nil {
		return fmt.Errorf("statements not prepared")
	}
	for _, op := range ops {
		switch op.Kind {
		case OpDelete:
			if _, err := tx.Stmt(remove).Exec(op.Key); err != nil {
				return err
			}
		case OpPut:
			planets, err := json.Marshal(op.Chunk.PlanetLocations)
			if err != nil {
				return err
			}
			fp := op.Chunk.ChunkFootprint
			if _, err := tx.Stmt(upsert).Exec(op.Key, fp.BottomLeft.X, fp.BottomLeft.Y, fp.SideLength, op.Chunk.Perlin, string(planets)); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
