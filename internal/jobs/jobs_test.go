package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestStartWritesOkState(t *testing.T) {
	root := t.TempDir()
	start := time.Unix(1_700_000_000, 0)
	r := New(root, fixedClock(start))

	h, err := r.Start(context.Background(), KindGC, "run1", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	st, err := ReadState(statePath(root, KindGC, "run1"))
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Result != ResultOk {
		t.Errorf("Result = %q, want Ok", st.Result)
	}
	if st.UPID != h.UPID {
		t.Errorf("UPID mismatch: state=%q handle=%q", st.UPID, h.UPID)
	}
	if r.IsRunning(KindGC) {
		t.Error("job should no longer be running after completion")
	}
}

func TestStartWritesErrState(t *testing.T) {
	root := t.TempDir()
	r := New(root, fixedClock(time.Unix(1_700_000_001, 0)))

	boom := errors.New("boom")
	h, err := r.Start(context.Background(), KindPrune, "run2", func(ctx context.Context) error {
		return boom
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	st, err := ReadState(statePath(root, KindPrune, "run2"))
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Result != ResultErr || st.Message != "boom" {
		t.Errorf("unexpected state: %+v", st)
	}
}

func TestCancelRecordsAborted(t *testing.T) {
	root := t.TempDir()
	r := New(root, fixedClock(time.Unix(1_700_000_002, 0)))

	started := make(chan struct{})
	h, err := r.Start(context.Background(), KindVerify, "run3", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	h.Cancel()
	h.Wait()

	st, err := ReadState(statePath(root, KindVerify, "run3"))
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Result != ResultAborted {
		t.Errorf("Result = %q, want Aborted", st.Result)
	}
}

func TestStartRejectsConcurrentSameKind(t *testing.T) {
	root := t.TempDir()
	r := New(root, fixedClock(time.Unix(1_700_000_003, 0)))

	block := make(chan struct{})
	h, err := r.Start(context.Background(), KindGC, "first", func(ctx context.Context) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := r.Start(context.Background(), KindGC, "second", func(ctx context.Context) error { return nil }); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	close(block)
	h.Wait()
}

func TestStartSurvivesCallerContextCancellation(t *testing.T) {
	root := t.TempDir()
	r := New(root, fixedClock(time.Unix(1_700_000_004, 0)))

	callerCtx, callerCancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finished := make(chan struct{})
	h, err := r.Start(callerCtx, KindGC, "detached", func(ctx context.Context) error {
		close(started)
		<-finished
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	callerCancel() // caller goes away; the run must keep going
	close(finished)
	h.Wait()

	st, err := ReadState(statePath(root, KindGC, "detached"))
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Result != ResultOk {
		t.Errorf("Result = %q, want Ok (caller cancellation must not abort the run)", st.Result)
	}
}

func TestReadStateRejectsForeignFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bogus.state")
	if err := os.MkdirAll(root, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("not a job state file"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadState(path); err == nil {
		t.Error("expected error decoding a foreign file")
	}
}
