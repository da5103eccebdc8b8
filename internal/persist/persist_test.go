package persist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshspace/meshspace/internal/state"
)

const testDebounce = 25 * time.Millisecond

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:          path,
		FlushDebounce: testDebounce,
		Logger:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createRoom(t *testing.T, s *Store, roomID string) {
	t.Helper()
	if err := s.CreateRoom(context.Background(), roomID); err != nil {
		t.Fatalf("create room: %v", err)
	}
}

// settle waits long enough for any armed debounce timer to fire and
// the flush to land.
func settle() {
	time.Sleep(8 * testDebounce)
}

func TestUnknownRoomNeverPersisted(t *testing.T) {
	s := newTestStore(t, ":memory:")
	replica := state.NewStore("r1")

	// Nobody created the room in durable storage: joining attaches
	// nothing and edits never reach disk.
	s.Attach("ephemeral", replica)
	replica.CreateDocument("doc-1", state.DocMeta{}, "throwaway")
	settle()

	if got := s.flushes.Load(); got != 0 {
		t.Errorf("flushes = %d, want 0 for an uncreated room", got)
	}
	seeds, err := s.RoomDocuments(context.Background(), "ephemeral")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 0 {
		t.Errorf("documents = %+v, want none", seeds)
	}
}

func TestCreateRoomIdempotent(t *testing.T) {
	s := newTestStore(t, ":memory:")
	createRoom(t, s, "room-1")
	createRoom(t, s, "room-1")

	if err := s.CreateRoom(context.Background(), ""); err == nil {
		t.Error("empty room ID accepted")
	}
}

func TestEditBurstCollapsesToOneWrite(t *testing.T) {
	s := newTestStore(t, ":memory:")
	createRoom(t, s, "room-1")
	replica := state.NewStore("r1")
	s.Attach("room-1", replica)

	replica.CreateDocument("doc-1", state.DocMeta{X: 10, Y: 20, Width: 300, Height: 200}, "")
	for i := 0; i < 30; i++ {
		replica.InsertText("doc-1", i, "x")
	}
	final := replica.Snapshot().Documents["doc-1"].Content

	settle()

	if got := s.flushes.Load(); got != 1 {
		t.Errorf("flushes = %d, want 1 for a rapid edit burst", got)
	}
	seeds, err := s.RoomDocuments(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("documents = %d, want 1", len(seeds))
	}
	if seeds[0].ID != "doc-1" || seeds[0].Content != final {
		t.Errorf("stored = %+v, want content %q", seeds[0], final)
	}
	if seeds[0].Meta.Width != 300 || seeds[0].Meta.Height != 200 {
		t.Errorf("stored meta = %+v", seeds[0].Meta)
	}
}

func TestSeparatedEditsFlushSeparately(t *testing.T) {
	s := newTestStore(t, ":memory:")
	createRoom(t, s, "room-1")
	replica := state.NewStore("r1")
	s.Attach("room-1", replica)

	replica.CreateDocument("doc-1", state.DocMeta{}, "a")
	settle()
	replica.InsertText("doc-1", 1, "b")
	settle()

	if got := s.flushes.Load(); got != 2 {
		t.Errorf("flushes = %d, want 2 for separated edits", got)
	}
}

func TestDeleteRemovedFromStorage(t *testing.T) {
	s := newTestStore(t, ":memory:")
	createRoom(t, s, "room-1")
	replica := state.NewStore("r1")
	s.Attach("room-1", replica)

	replica.CreateDocument("doc-1", state.DocMeta{}, "keep")
	replica.CreateDocument("doc-2", state.DocMeta{}, "drop")
	settle()

	seeds, err := s.RoomDocuments(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("documents = %d, want 2", len(seeds))
	}

	replica.DeleteDocument("doc-2")
	settle()

	seeds, err = s.RoomDocuments(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 1 || seeds[0].ID != "doc-1" {
		t.Fatalf("documents after delete = %+v, want only doc-1", seeds)
	}
}

func TestReattachHydratesFreshReplica(t *testing.T) {
	s := newTestStore(t, ":memory:")
	createRoom(t, s, "room-1")

	first := state.NewStore("r1")
	s.Attach("room-1", first)
	first.CreateDocument("doc-1", state.DocMeta{FontFamily: "mono", Color: "#222222"}, "persisted")
	settle()

	// The room emptied and was re-created with a fresh replica.
	second := state.NewStore("r2")
	s.Attach("room-1", second)

	doc, ok := second.Snapshot().Documents["doc-1"]
	if !ok {
		t.Fatal("document not hydrated into fresh replica")
	}
	if doc.Content != "persisted" || doc.Meta.FontFamily != "mono" || doc.Meta.Color != "#222222" {
		t.Errorf("hydrated document = %+v", doc)
	}
}

func TestReattachFlushesLeftoverBeforeHydration(t *testing.T) {
	s := newTestStore(t, ":memory:")
	createRoom(t, s, "room-1")

	first := state.NewStore("r1")
	s.Attach("room-1", first)
	first.CreateDocument("doc-1", state.DocMeta{}, "unflushed")

	// Re-attach while the debounce is still armed: the pending write
	// must land before the new replica hydrates.
	second := state.NewStore("r2")
	s.Attach("room-1", second)

	if doc, ok := second.Snapshot().Documents["doc-1"]; !ok || doc.Content != "unflushed" {
		t.Fatalf("hydrated = %+v, want the leftover document", doc)
	}

	// Edits on the superseded replica schedule no further writes.
	first.InsertText("doc-1", 0, "zzz")
	settle()
	seeds, err := s.RoomDocuments(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 1 || seeds[0].Content != "unflushed" {
		t.Errorf("stored = %+v, stale replica must not write", seeds)
	}
}

func TestCloseFlushesPendingAndSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.db")

	s := newTestStore(t, path)
	createRoom(t, s, "room-1")
	replica := state.NewStore("r1")
	s.Attach("room-1", replica)
	replica.CreateDocument("doc-1", state.DocMeta{}, "durable")
	// Close before the debounce fires; the final flush must land.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newTestStore(t, path)
	fresh := state.NewStore("r2")
	reopened.Attach("room-1", fresh)
	if doc, ok := fresh.Snapshot().Documents["doc-1"]; !ok || doc.Content != "durable" {
		t.Fatalf("after restart = %+v, want the closed-over document", doc)
	}
}

func TestRoomsIsolated(t *testing.T) {
	s := newTestStore(t, ":memory:")

	createRoom(t, s, "room-a")
	createRoom(t, s, "room-b")
	a, b := state.NewStore("ra"), state.NewStore("rb")
	s.Attach("room-a", a)
	s.Attach("room-b", b)
	a.CreateDocument("doc-a", state.DocMeta{}, "alpha")
	b.CreateDocument("doc-b", state.DocMeta{}, "beta")
	settle()

	seeds, err := s.RoomDocuments(context.Background(), "room-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 1 || seeds[0].ID != "doc-a" {
		t.Fatalf("room-a documents = %+v", seeds)
	}
}

func TestManyDocumentsRoundTrip(t *testing.T) {
	s := newTestStore(t, ":memory:")
	createRoom(t, s, "room-1")
	replica := state.NewStore("r1")
	s.Attach("room-1", replica)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("doc-%02d", i)
		replica.CreateDocument(id, state.DocMeta{X: float64(i)}, id+" body")
	}
	settle()

	seeds, err := s.RoomDocuments(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 10 {
		t.Fatalf("documents = %d, want 10", len(seeds))
	}
	// RoomDocuments orders by ID.
	for i, seed := range seeds {
		want := fmt.Sprintf("doc-%02d", i)
		if seed.ID != want {
			t.Fatalf("seeds[%d].ID = %q, want %q", i, seed.ID, want)
		}
	}
}
