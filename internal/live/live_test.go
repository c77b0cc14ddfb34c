package live

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/simpa/internal/domain"
)

func row(seq int64) domain.Row {
	return domain.Row{Seq: seq, EventID: 6000, Kind: domain.KindCS, Code: 6000}
}

func TestBacklogWraps(t *testing.T) {
	t.Parallel()

	b := NewBacklog(3)
	for i := int64(1); i <= 5; i++ {
		b.Add(row(i))
	}
	rows := b.Rows()
	if len(rows) != 3 || b.Len() != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []int64{3, 4, 5} {
		if rows[i].Seq != want {
			t.Fatalf("row %d seq = %d, want %d", i, rows[i].Seq, want)
		}
	}
}

func TestBacklogPartial(t *testing.T) {
	t.Parallel()

	b := NewBacklog(4)
	b.Add(row(1))
	b.Add(row(2))
	if rows := b.Rows(); len(rows) != 2 || rows[0].Seq != 1 || rows[1].Seq != 2 {
		t.Fatalf("Rows() = %+v", rows)
	}
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(8, nil)
	s := h.Subscribe("tab-1")
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.Count())
	}

	h.Publish(row(1))
	select {
	case got := <-s.Rows():
		if got.Seq != 1 {
			t.Fatalf("got seq %d", got.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("row not delivered")
	}

	h.Unsubscribe(s)
	if h.Count() != 0 {
		t.Fatalf("Count() = %d after unsubscribe", h.Count())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("subscriber not closed")
	}
}

func TestHubReplaceKeepsNewSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub(8, nil)
	old := h.Subscribe("tab-1")
	current := h.Subscribe("tab-1")

	select {
	case <-old.Done():
	default:
		t.Fatal("replaced subscriber not closed")
	}

	// A stale unsubscribe must not remove the replacement.
	h.Unsubscribe(old)
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.Count())
	}
	h.Unsubscribe(current)
}

func TestHubDropsOldestWhenSlow(t *testing.T) {
	t.Parallel()

	h := NewHub(8, nil)
	s := h.Subscribe("slow")
	total := int64(defaultQueueSize + 10)
	for i := int64(1); i <= total; i++ {
		h.Publish(row(i))
	}

	if s.Dropped() != 10 {
		t.Fatalf("Dropped() = %d, want 10", s.Dropped())
	}
	first := <-s.Rows()
	if first.Seq != 11 {
		t.Fatalf("oldest queued seq = %d, want 11", first.Seq)
	}
	if h.LastSeq() != total {
		t.Fatalf("LastSeq() = %d, want %d", h.LastSeq(), total)
	}
}

func TestHubConcurrentAccess(t *testing.T) {
	t.Parallel()

	h := NewHub(16, nil)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Unsubscribe(h.Subscribe("tab-" + strconv.Itoa(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 200; i++ {
			h.Publish(row(i))
		}
	}()
	wg.Wait()
	h.Close()
	if h.Count() != 0 {
		t.Fatalf("Count() = %d after Close", h.Count())
	}
}

func TestWebSocketStreamsBacklogThenLive(t *testing.T) {
	t.Parallel()

	h := NewHub(8, nil)
	h.Publish(row(1))
	h.Publish(row(2))

	srv := httptest.NewServer(NewWebSocketHandler(h, "*"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() frame {
		t.Helper()
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		return f
	}
	for _, want := range []int64{1, 2} {
		if f := read(); f.Type != "row" || f.Row.Seq != want {
			t.Fatalf("backlog frame = %+v, want seq %d", f, want)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(row(3))
	if f := read(); f.Type != "row" || f.Row.Seq != 3 {
		t.Fatalf("live frame = %+v, want seq 3", f)
	}
}

func TestWebSocketRejectsOrigin(t *testing.T) {
	t.Parallel()

	h := NewHub(8, nil)
	req := httptest.NewRequest("GET", "/api/stream", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	NewWebSocketHandler(h, "https://lab.example").ServeHTTP(rec, req)
	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
