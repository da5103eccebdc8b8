// Package persist stores room documents durably in SQLite, so the text
// boards of a space survive everyone leaving. Presence and screen-share
// records are deliberately not persisted; they are session state.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/meshspace/meshspace/internal/signaling"
	"github.com/meshspace/meshspace/internal/state"
)

const defaultDebounce = 200 * time.Millisecond

const schema = `
	CREATE TABLE IF NOT EXISTS rooms (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		room_id     TEXT NOT NULL,
		id          TEXT NOT NULL,
		content     TEXT NOT NULL,
		x           REAL NOT NULL,
		y           REAL NOT NULL,
		width       REAL NOT NULL,
		height      REAL NOT NULL,
		font_size   REAL NOT NULL,
		font_family TEXT NOT NULL,
		color       TEXT NOT NULL,
		PRIMARY KEY (room_id, id)
	);
`

// Config holds the parameters for opening the document store.
type Config struct {
	// Path is the filesystem path to the SQLite database file, created
	// if it does not exist. ":memory:" gives an in-memory database
	// (pool size is forced to 1 in that case, since every in-memory
	// connection is independent).
	Path string

	// PoolSize is the number of connections in the pool. Defaults to 4
	// if zero or negative.
	PoolSize int

	// FlushDebounce is the quiet period after the last document change
	// before the room is written out. Defaults to 200ms.
	FlushDebounce time.Duration

	// Logger receives operational messages. If nil, slog.Default().
	Logger *slog.Logger
}

// Store writes each room's documents to SQLite behind a debounce:
// rapid edit bursts collapse into a single write of the final state.
// It implements the relay's RoomPersistence hook.
//
// A flush rewrites the room's full document set in one immediate
// transaction, so deletions need no tracking of their own.
type Store struct {
	pool     *sqlitex.Pool
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*roomFlusher
	closed bool

	flushes atomic.Int64 // completed room writes, for tests
}

var _ signaling.RoomPersistence = (*Store)(nil)

// roomFlusher is the per-room debounce state. gen increments on every
// re-attachment so observers from a destroyed room record cannot
// schedule writes against its successor.
type roomFlusher struct {
	gen     int
	timer   *time.Timer
	pending map[string]state.DocumentSnapshot
}

// Open creates the document store, applying WAL pragmas and the schema
// to every connection. The caller must Close it.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("persist: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounce := cfg.FlushDebounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	path := cfg.Path
	if cfg.Path == ":memory:" {
		poolSize = 1
		// sqlitex.NewPool rejects the literal ":memory:"; the URI form
		// with a single connection gives the same private in-memory DB.
		path = "file::memory:?mode=memory"
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: opening %s: %w", cfg.Path, err)
	}

	logger.Info("document store opened", "path", cfg.Path, "debounce", debounce)

	return &Store{
		pool:     pool,
		debounce: debounce,
		logger:   logger,
		rooms:    make(map[string]*roomFlusher),
	}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("persist: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Attach binds a room's replica to durable storage: persisted documents
// are seeded into the replica and document changes from then on are
// flushed behind the debounce. Rooms unknown to durable storage are
// skipped silently; a room only becomes persistable once created via
// CreateRoom. Called by the relay every time a room record is
// (re)created; a re-attachment first flushes whatever the previous
// attachment left pending.
func (s *Store) Attach(roomID string, replica *state.Store) {
	ctx := context.Background()

	known, err := s.roomExists(ctx, roomID)
	if err != nil {
		s.logger.Error("room lookup failed", "room", roomID, "error", err)
		return
	}
	if !known {
		s.logger.Debug("room not in durable storage, persistence skipped", "room", roomID)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var stale map[string]state.DocumentSnapshot
	rf, ok := s.rooms[roomID]
	if ok {
		if rf.timer != nil {
			rf.timer.Stop()
			rf.timer = nil
		}
		stale = rf.pending
		rf.pending = nil
		rf.gen++
	} else {
		rf = &roomFlusher{}
		s.rooms[roomID] = rf
	}
	gen := rf.gen
	s.mu.Unlock()

	if stale != nil {
		if err := s.writeDocuments(ctx, roomID, stale); err != nil {
			s.logger.Error("flush on re-attach failed", "room", roomID, "error", err)
		}
	}

	seeds, err := s.RoomDocuments(ctx, roomID)
	if err != nil {
		s.logger.Error("document hydration failed", "room", roomID, "error", err)
		return
	}
	replica.SeedDocuments(seeds)
	if len(seeds) > 0 {
		s.logger.Info("documents hydrated", "room", roomID, "count", len(seeds))
	}

	replica.ObserveDocuments(func(snap state.Snapshot) {
		s.noteChange(roomID, gen, snap.Documents)
	})
}

// noteChange records the latest document set for the room and re-arms
// the debounce timer. Only the newest snapshot matters; intermediate
// states are never written.
func (s *Store) noteChange(roomID string, gen int, docs map[string]state.DocumentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rf, ok := s.rooms[roomID]
	if !ok || s.closed || rf.gen != gen {
		return
	}
	rf.pending = docs
	if rf.timer == nil {
		rf.timer = time.AfterFunc(s.debounce, func() { s.flushRoom(roomID) })
	} else {
		rf.timer.Reset(s.debounce)
	}
}

func (s *Store) flushRoom(roomID string) {
	s.mu.Lock()
	rf, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	docs := rf.pending
	gen := rf.gen
	rf.pending = nil
	rf.timer = nil
	s.mu.Unlock()

	if docs == nil {
		return
	}

	if err := s.writeDocuments(context.Background(), roomID, docs); err != nil {
		s.logger.Error("document flush failed", "room", roomID, "error", err)
		// Keep the snapshot for a retry unless something newer arrived.
		s.mu.Lock()
		if rf, ok := s.rooms[roomID]; ok && !s.closed && rf.gen == gen && rf.pending == nil {
			rf.pending = docs
			rf.timer = time.AfterFunc(s.debounce, func() { s.flushRoom(roomID) })
		}
		s.mu.Unlock()
	}
}

// writeDocuments replaces the room's stored document set in one
// immediate transaction.
func (s *Store) writeDocuments(ctx context.Context, roomID string, docs map[string]state.DocumentSnapshot) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("persist: write documents: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("persist: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := sqlitex.Execute(conn, "DELETE FROM documents WHERE room_id = ?", &sqlitex.ExecOptions{
		Args: []any{roomID},
	}); err != nil {
		return fmt.Errorf("persist: clear documents: %w", err)
	}

	for id, doc := range docs {
		if err := sqlitex.Execute(conn, `INSERT INTO documents
			(room_id, id, content, x, y, width, height, font_size, font_family, color)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				roomID, id, doc.Content,
				doc.Meta.X, doc.Meta.Y, doc.Meta.Width, doc.Meta.Height,
				doc.Meta.FontSize, doc.Meta.FontFamily, doc.Meta.Color,
			},
		}); err != nil {
			return fmt.Errorf("persist: insert document %s: %w", id, err)
		}
	}

	s.flushes.Add(1)
	s.logger.Debug("room flushed", "room", roomID, "documents", len(docs))
	return nil
}

// CreateRoom registers a room in durable storage, making its documents
// persistable. Creating an existing room is a no-op. This is the
// space-management entry point; joining a room over the relay never
// creates durable state by itself.
func (s *Store) CreateRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("persist: room ID is required")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("persist: create room: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO rooms (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING",
		&sqlitex.ExecOptions{
			Args: []any{roomID, time.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("persist: create room: %w", err)
	}
	return nil
}

func (s *Store) roomExists(ctx context.Context, roomID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn, "SELECT 1 FROM rooms WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{roomID},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// RoomDocuments loads the room's persisted documents, ordered by
// document ID.
func (s *Store) RoomDocuments(ctx context.Context, roomID string) ([]state.DocSeed, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("persist: load documents: %w", err)
	}
	defer s.pool.Put(conn)

	var seeds []state.DocSeed
	err = sqlitex.Execute(conn, `SELECT id, content, x, y, width, height, font_size, font_family, color
		FROM documents WHERE room_id = ?`, &sqlitex.ExecOptions{
		Args: []any{roomID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			seeds = append(seeds, state.DocSeed{
				ID:      stmt.ColumnText(0),
				Content: stmt.ColumnText(1),
				Meta: state.DocMeta{
					X:          stmt.ColumnFloat(2),
					Y:          stmt.ColumnFloat(3),
					Width:      stmt.ColumnFloat(4),
					Height:     stmt.ColumnFloat(5),
					FontSize:   stmt.ColumnFloat(6),
					FontFamily: stmt.ColumnText(7),
					Color:      stmt.ColumnText(8),
				},
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("persist: load documents: %w", err)
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].ID < seeds[j].ID })
	return seeds, nil
}

// Close flushes every pending room synchronously and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	type leftover struct {
		roomID string
		docs   map[string]state.DocumentSnapshot
	}
	var remaining []leftover
	for roomID, rf := range s.rooms {
		if rf.timer != nil {
			rf.timer.Stop()
			rf.timer = nil
		}
		if rf.pending != nil {
			remaining = append(remaining, leftover{roomID, rf.pending})
			rf.pending = nil
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, l := range remaining {
		if err := s.writeDocuments(ctx, l.roomID, l.docs); err != nil {
			s.logger.Error("final flush failed", "room", l.roomID, "error", err)
		}
	}

	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("persist: closing pool: %w", err)
	}
	s.logger.Info("document store closed")
	return nil
}
