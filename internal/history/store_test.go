package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "taskcore/pkg/logx"
)

func openTestStore(t *testing.T, keep int) *Store {
	t.Helper()
	st, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		BusyTimeout: time.Second,
		Keep:        keep,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, 0)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		err := st.Record(ctx, Run{
			TaskID:  int64(i + 1),
			TypeID:  7,
			Group:   2,
			Event:   "task.finished",
			Started: base,
			Ended:   base.Add(time.Duration(i) * time.Second),
			Took:    time.Duration(i) * time.Second,
			Result:  "ok",
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	runs, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	// Newest first.
	if runs[0].TaskID != 3 || runs[2].TaskID != 1 {
		t.Fatalf("order = %d,%d,%d", runs[0].TaskID, runs[1].TaskID, runs[2].TaskID)
	}
	if runs[0].TypeID != 7 || runs[0].Group != 2 || runs[0].Result != "ok" {
		t.Fatalf("row = %+v", runs[0])
	}
	if runs[0].Started.IsZero() {
		t.Fatal("started not persisted")
	}
}

func TestRecordWithoutStart(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, 0)
	ctx := context.Background()

	if err := st.Record(ctx, Run{TaskID: 1, Event: "task.terminated"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	runs, err := st.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs", len(runs))
	}
	if !runs[0].Started.IsZero() {
		t.Fatalf("started should be zero, got %v", runs[0].Started)
	}
	if runs[0].Ended.IsZero() {
		t.Fatal("ended should default to now")
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, 5)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if err := st.Record(ctx, Run{TaskID: int64(i + 1), Event: "task.finished"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := st.prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	runs, err := st.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 5 {
		t.Fatalf("got %d runs after prune, want 5", len(runs))
	}
	if runs[0].TaskID != 12 || runs[4].TaskID != 8 {
		t.Fatalf("prune kept wrong rows: %d..%d", runs[0].TaskID, runs[4].TaskID)
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	t.Parallel()
	var st *Store
	if err := st.Record(context.Background(), Run{}); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if _, err := st.Recent(context.Background(), 1); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
