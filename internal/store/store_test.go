package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/simpa/internal/domain"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "simpa.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"sqlite": newSQLite(t),
		"memory": NewMemory(),
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.UnixMilli(time.Now().UnixMilli())
			if err := repo.CreateSession(ctx, &domain.Session{
				ID: "s1", Subject: "mouse-7", TrialCount: 3,
				Outcome: domain.OutcomeRunning, StartedAt: started,
			}); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}

			got, err := repo.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got == nil || got.Subject != "mouse-7" || got.Finished() || !got.StartedAt.Equal(started) {
				t.Fatalf("GetSession = %+v", got)
			}

			ended := started.Add(time.Minute)
			if err := repo.FinishSession(ctx, "s1", domain.OutcomeCompleted, ended); err != nil {
				t.Fatalf("FinishSession failed: %v", err)
			}
			got, err = repo.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got.Outcome != domain.OutcomeCompleted || !got.Finished() || !got.EndedAt.Equal(ended) {
				t.Fatalf("finished session = %+v", got)
			}

			missing, err := repo.GetSession(ctx, "nope")
			if err != nil || missing != nil {
				t.Fatalf("GetSession(missing) = %v, %v", missing, err)
			}
			if err := repo.FinishSession(ctx, "nope", domain.OutcomeAborted, ended); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	t.Parallel()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i, id := range []string{"old", "mid", "new"} {
				if err := repo.CreateSession(ctx, &domain.Session{
					ID: id, Subject: "m", Outcome: domain.OutcomeRunning,
					StartedAt: base.Add(time.Duration(i) * time.Hour),
				}); err != nil {
					t.Fatalf("CreateSession failed: %v", err)
				}
			}

			sessions, err := repo.ListSessions(ctx, 2)
			if err != nil {
				t.Fatalf("ListSessions failed: %v", err)
			}
			if len(sessions) != 2 || sessions[0].ID != "new" || sessions[1].ID != "mid" {
				t.Fatalf("ListSessions = %v", sessions)
			}
		})
	}
}

func TestTrialsRoundTrip(t *testing.T) {
	t.Parallel()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pulse := 1
			trials := []domain.TrialRecord{
				{Index: 0, Interval: 17.5},
				{Index: 1, Interval: 19.25, PulseIndex: &pulse, Timing: "cs"},
			}
			if err := repo.SaveTrials(ctx, "s1", trials); err != nil {
				t.Fatalf("SaveTrials failed: %v", err)
			}

			got, err := repo.ListTrials(ctx, "s1")
			if err != nil {
				t.Fatalf("ListTrials failed: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("got %d trials, want 2", len(got))
			}
			if got[0].PulseIndex != nil || got[0].Interval != 17.5 {
				t.Fatalf("trial 0 = %+v", got[0])
			}
			if got[1].PulseIndex == nil || *got[1].PulseIndex != 1 || got[1].Timing != "cs" {
				t.Fatalf("trial 1 = %+v", got[1])
			}
		})
	}
}

func TestEventSinkAppendsInOrder(t *testing.T) {
	t.Parallel()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sink := NewEventSink(repo, "s1")
			in := []domain.Row{
				{Seq: 1, EventID: 0, Kind: domain.KindSessionStart, Source: "inostimulator"},
				{Seq: 2, EventID: 6000, Kind: domain.KindCS, Code: 6000, Elapsed: 17.5},
				{Seq: 3, EventID: -6000, Kind: domain.KindCS, Phase: domain.Offset, Code: 6000, Elapsed: 18.5},
			}
			for _, r := range in {
				if err := sink.Append(ctx, r); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}
			if err := sink.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			all, err := repo.ListEvents(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("ListEvents failed: %v", err)
			}
			if len(all) != len(in) {
				t.Fatalf("got %d rows, want %d", len(all), len(in))
			}
			for i := range in {
				if all[i] != in[i] {
					t.Fatalf("row %d = %+v, want %+v", i, all[i], in[i])
				}
			}

			tail, err := repo.ListEvents(ctx, "s1", 2)
			if err != nil {
				t.Fatalf("ListEvents failed: %v", err)
			}
			if len(tail) != 1 || tail[0].Seq != 3 {
				t.Fatalf("ListEvents after 2 = %+v", tail)
			}
		})
	}
}

func TestSQLiteRejectsDuplicateSeq(t *testing.T) {
	t.Parallel()

	s := newSQLite(t)
	ctx := context.Background()
	row := domain.Row{Seq: 1, EventID: 112, Kind: domain.KindUS, Code: 12}
	if err := s.AppendEvent(ctx, "s1", row); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := s.AppendEvent(ctx, "s1", row); err == nil {
		t.Fatal("expected duplicate seq to be rejected")
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
