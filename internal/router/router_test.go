package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/router"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls map[session.Tag]int
	errs  map[session.Tag]error
	// block makes the tag wait for the context to end.
	block map[session.Tag]bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls: map[session.Tag]int{},
		errs:  map[session.Tag]error{},
		block: map[session.Tag]bool{},
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, tag session.Tag, req session.Request) (*haystack.Grid, error) {
	f.mu.Lock()
	f.calls[tag]++
	err := f.errs[tag]
	block := f.block[tag]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, &session.ConnectionError{Backend: tag, Op: req.Op, Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	g := haystack.NewGrid()
	var row haystack.Dict
	row.Set("from", haystack.Str(tag))
	g.AddRow(row)
	return g, nil
}

func (f *fakeExecutor) count(tag session.Tag) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tag]
}

var readReq = session.Get("read", haystack.Dict{})

func TestPolicies(t *testing.T) {
	connErr := &session.ConnectionError{Backend: session.TagLocal, Op: "read", Err: errors.New("refused")}
	authErr := &session.AuthError{Backend: session.TagLocal, Op: "read", Status: 401}
	backendErr := &session.BackendError{Backend: session.TagLocal, Op: "read", Status: 500, Msg: "boom"}

	type testCase struct {
		mode      router.Mode
		localErr  error
		relayErr  error
		wantTag   session.Tag
		wantErr   error
		wantLocal int
		wantRelay int
	}

	tt := map[string]testCase{
		"local ok":                {mode: router.ModeLocal, wantTag: session.TagLocal, wantLocal: 1},
		"local connection error":  {mode: router.ModeLocal, localErr: connErr, wantErr: connErr, wantLocal: 1},
		"relay ok":                {mode: router.ModeRelay, wantTag: session.TagRelay, wantRelay: 1},
		"relay error surfaces":    {mode: router.ModeRelay, relayErr: connErr, wantErr: connErr, wantRelay: 1},
		"hybrid local ok":         {mode: router.ModeHybrid, wantTag: session.TagLocal, wantLocal: 1},
		"hybrid falls back once":  {mode: router.ModeHybrid, localErr: connErr, wantTag: session.TagRelay, wantLocal: 1, wantRelay: 1},
		"hybrid auth no fallback": {mode: router.ModeHybrid, localErr: authErr, wantErr: authErr, wantLocal: 1},
		"hybrid backend error":    {mode: router.ModeHybrid, localErr: backendErr, wantErr: backendErr, wantLocal: 1},
		"hybrid both unreachable": {mode: router.ModeHybrid, localErr: connErr, relayErr: connErr, wantErr: connErr, wantLocal: 1, wantRelay: 1},
	}

	for name, tc := range tt {
		t.Run(name, func(t *testing.T) {
			exec := newFakeExecutor()
			exec.errs[session.TagLocal] = tc.localErr
			exec.errs[session.TagRelay] = tc.relayErr
			r, err := router.New(router.DeploymentConfig{Mode: tc.mode}, exec)
			if err != nil {
				t.Fatal(err)
			}
			g, tag, err := r.Execute(context.Background(), readReq)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if tc.wantErr == nil {
				if tag != tc.wantTag {
					t.Errorf("served by %s, want %s", tag, tc.wantTag)
				}
				if got := g.Rows[0].Str("from"); got != string(tc.wantTag) {
					t.Errorf("result came from %s, want %s", got, tc.wantTag)
				}
			}
			if got := exec.count(session.TagLocal); got != tc.wantLocal {
				t.Errorf("local called %d times, want %d", got, tc.wantLocal)
			}
			if got := exec.count(session.TagRelay); got != tc.wantRelay {
				t.Errorf("relay called %d times, want %d", got, tc.wantRelay)
			}
		})
	}
}

func TestHybridTimeoutFallsBack(t *testing.T) {
	exec := newFakeExecutor()
	exec.block[session.TagLocal] = true
	r, err := router.New(router.DeploymentConfig{Mode: router.ModeHybrid, LocalTimeout: 20 * time.Millisecond}, exec)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, tag, err := r.Execute(context.Background(), readReq)
	if err != nil {
		t.Fatal(err)
	}
	if tag != session.TagRelay {
		t.Errorf("expected relay, got %s", tag)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("local timeout not applied, took %v", elapsed)
	}
}

func TestHybridNotSticky(t *testing.T) {
	exec := newFakeExecutor()
	exec.errs[session.TagLocal] = &session.ConnectionError{Backend: session.TagLocal, Err: errors.New("down")}
	r, _ := router.New(router.DeploymentConfig{Mode: router.ModeHybrid}, exec)
	if _, tag, _ := r.Execute(context.Background(), readReq); tag != session.TagRelay {
		t.Fatalf("expected relay, got %s", tag)
	}
	exec.mu.Lock()
	exec.errs[session.TagLocal] = nil
	exec.mu.Unlock()
	if _, tag, _ := r.Execute(context.Background(), readReq); tag != session.TagLocal {
		t.Errorf("local must be retried on every call, got %s", tag)
	}
}

func TestCallerCancellationDoesNotFailOver(t *testing.T) {
	exec := newFakeExecutor()
	exec.block[session.TagLocal] = true
	r, _ := router.New(router.DeploymentConfig{Mode: router.ModeHybrid, LocalTimeout: time.Minute}, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := r.Execute(ctx, readReq); err == nil {
		t.Fatal("expected error")
	}
	if n := exec.count(session.TagRelay); n != 0 {
		t.Errorf("relay must not be used after caller cancellation, got %d calls", n)
	}
}

func TestExecuteOnPinned(t *testing.T) {
	exec := newFakeExecutor()
	exec.errs[session.TagRelay] = &session.ConnectionError{Backend: session.TagRelay, Err: errors.New("down")}
	r, _ := router.New(router.DeploymentConfig{Mode: router.ModeHybrid}, exec)
	if _, err := r.ExecuteOn(context.Background(), session.TagRelay, readReq); !session.IsConnection(err) {
		t.Fatalf("expected pinned connection error, got %v", err)
	}
	if n := exec.count(session.TagLocal); n != 0 {
		t.Errorf("pinned call must not fail over, local called %d times", n)
	}

	local, _ := router.New(router.DeploymentConfig{Mode: router.ModeLocal}, exec)
	if _, err := local.ExecuteOn(context.Background(), session.TagRelay, readReq); !errors.Is(err, session.ErrNoBackend) {
		t.Errorf("expected ErrNoBackend, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]router.Mode{"local": router.ModeLocal, " Hybrid ": router.ModeHybrid, "RELAY": router.ModeRelay} {
		got, err := router.ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := router.ParseMode("cloud"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
