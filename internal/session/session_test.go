package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
)

// fakeStation mimics a station that issues a session cookie on /about.
type fakeStation struct {
	*httptest.Server
	logins  atomic.Int32
	valid   atomic.Int32 // number of the cookie currently accepted
	opCalls atomic.Int32
	// rejectAll makes every op answer 401.
	rejectAll atomic.Bool
	lastBody  atomic.Value
	lastQuery atomic.Value
}

func newFakeStation(t *testing.T, opBody string) *fakeStation {
	t.Helper()
	st := &fakeStation{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /haystack/about", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := st.logins.Add(1)
		st.valid.Store(n)
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "s" + strconv.Itoa(int(n))})
		w.Write([]byte(`{"meta":{"ver":"3.0"},"cols":[{"name":"vendorName"}],"rows":[{"vendorName":"Tridium"}]}`))
	})
	mux.HandleFunc("/haystack/{op}", func(w http.ResponseWriter, r *http.Request) {
		st.opCalls.Add(1)
		c, err := r.Cookie("JSESSIONID")
		if st.rejectAll.Load() || err != nil || c.Value != "s"+strconv.Itoa(int(st.valid.Load())) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		st.lastBody.Store(string(body))
		st.lastQuery.Store(r.URL.RawQuery)
		w.Write([]byte(opBody))
	})
	st.Server = httptest.NewServer(mux)
	t.Cleanup(st.Close)
	return st
}

func (st *fakeStation) backend(t *testing.T) session.Local {
	t.Helper()
	u, err := url.Parse(st.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return session.Local{Host: u.Hostname(), Port: port, Username: "admin", Password: "secret", Path: "/haystack", VerifySSL: true}
}

const pointGrid = `{"meta":{"ver":"3.0"},"cols":[{"name":"id"},{"name":"curVal"}],"rows":[{"id":"r:p1 Zone Temp","curVal":"n:72 °F"}]}`

func readRequest(filter string) session.Request {
	var params haystack.Dict
	params.Set("filter", haystack.Str(filter))
	params.Set("limit", haystack.Number{Val: 10})
	return session.Get("read", params)
}

func TestExecuteLocal(t *testing.T) {
	st := newFakeStation(t, pointGrid)
	m := session.NewManager(session.Config{}, st.backend(t))

	for range 3 {
		g, err := m.Execute(context.Background(), session.TagLocal, readRequest("point and temp"))
		if err != nil {
			t.Fatal(err)
		}
		if got := g.Rows[0].Get("curVal"); !got.Equal(haystack.Number{Val: 72, Unit: "°F"}) {
			t.Errorf("unexpected curVal %#v", got)
		}
	}
	if n := st.logins.Load(); n != 1 {
		t.Errorf("session must be reused, got %d logins", n)
	}
	q, _ := url.ParseQuery(st.lastQuery.Load().(string))
	if q.Get("filter") != "point and temp" || q.Get("limit") != "10" {
		t.Errorf("unexpected query %v", q)
	}
}

func TestExecutePostGrid(t *testing.T) {
	st := newFakeStation(t, `{"meta":{"ver":"3.0"},"cols":[{"name":"empty"}],"rows":[]}`)
	m := session.NewManager(session.Config{}, st.backend(t))

	body := haystack.NewGrid()
	var row haystack.Dict
	row.Set("id", haystack.Ref{ID: "@p1"})
	row.Set("level", haystack.Number{Val: 16})
	row.Set("val", haystack.Number{Val: 70})
	body.AddRow(row)
	if _, err := m.Execute(context.Background(), session.TagLocal, session.Post("pointWrite", body)); err != nil {
		t.Fatal(err)
	}
	sent, err := haystack.Decode([]byte(st.lastBody.Load().(string)))
	if err != nil {
		t.Fatal(err)
	}
	if !sent.Equal(body) {
		t.Errorf("station received a different grid: %s", st.lastBody.Load())
	}
}

func TestExecuteReloginOnce(t *testing.T) {
	st := newFakeStation(t, pointGrid)
	m := session.NewManager(session.Config{}, st.backend(t))
	if _, err := m.Execute(context.Background(), session.TagLocal, readRequest("point")); err != nil {
		t.Fatal(err)
	}
	// the station forgets the session
	st.valid.Store(-1)
	if _, err := m.Execute(context.Background(), session.TagLocal, readRequest("point")); err != nil {
		t.Fatalf("expected transparent re-login, got %v", err)
	}
	if n := st.logins.Load(); n != 2 {
		t.Errorf("expected 2 logins, got %d", n)
	}
}

func TestExecuteAuthErrorAfterRetry(t *testing.T) {
	st := newFakeStation(t, pointGrid)
	m := session.NewManager(session.Config{}, st.backend(t))
	st.rejectAll.Store(true)

	_, err := m.Execute(context.Background(), session.TagLocal, readRequest("point"))
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if n := st.opCalls.Load(); n != 2 {
		t.Errorf("request must be retried exactly once, got %d calls", n)
	}
	if n := st.logins.Load(); n != 2 {
		t.Errorf("expected one re-login, got %d logins", n)
	}
}

func TestExecuteBadCredentials(t *testing.T) {
	st := newFakeStation(t, pointGrid)
	b := st.backend(t)
	b.Password = "wrong"
	m := session.NewManager(session.Config{}, b)

	_, err := m.Execute(context.Background(), session.TagLocal, readRequest("point"))
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if n := st.opCalls.Load(); n != 0 {
		t.Errorf("no op may run without a session, got %d calls", n)
	}
}

func TestConcurrentRejectionsLoginOnce(t *testing.T) {
	st := newFakeStation(t, pointGrid)
	m := session.NewManager(session.Config{}, st.backend(t))
	if _, err := m.Execute(context.Background(), session.TagLocal, readRequest("point")); err != nil {
		t.Fatal(err)
	}
	st.valid.Store(-1)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Execute(context.Background(), session.TagLocal, readRequest("point"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if n := st.logins.Load(); n != 2 {
		t.Errorf("expected exactly one re-login, got %d logins", n)
	}
}

func TestSessionTTL(t *testing.T) {
	st := newFakeStation(t, pointGrid)
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := session.NewManager(session.Config{SessionTTL: time.Minute, Now: clock}, st.backend(t))
	if _, err := m.Execute(context.Background(), session.TagLocal, readRequest("point")); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if _, err := m.Execute(context.Background(), session.TagLocal, readRequest("point")); err != nil {
		t.Fatal(err)
	}
	if n := st.logins.Load(); n != 2 {
		t.Errorf("expired session must be replaced, got %d logins", n)
	}
}

func TestBackendErrorKeepsGrid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/about") {
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"meta":{"ver":"3.0","err":"m:","dis":"Unknown rec: @zz"},"cols":[{"name":"empty"}],"rows":[]}`))
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	m := session.NewManager(session.Config{}, session.Local{Host: u.Hostname(), Port: port})

	_, err := m.Execute(context.Background(), session.TagLocal, readRequest("id==@zz"))
	var bErr *session.BackendError
	if !errors.As(err, &bErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if bErr.Grid == nil || !bErr.Grid.IsError() {
		t.Fatal("error grid must be attached")
	}
	if !strings.Contains(err.Error(), "Unknown rec: @zz") {
		t.Errorf("station diagnostic missing from %q", err)
	}
}

func TestBackendErrorKeepsPlainGrid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/about") {
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"meta":{"ver":"3.0"},"cols":[{"name":"reason"}],"rows":[{"reason":"station starting"}]}`))
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	m := session.NewManager(session.Config{}, session.Local{Host: u.Hostname(), Port: port})

	_, err := m.Execute(context.Background(), session.TagLocal, readRequest("site"))
	var bErr *session.BackendError
	if !errors.As(err, &bErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if bErr.Status != http.StatusServiceUnavailable || bErr.Msg != http.StatusText(http.StatusServiceUnavailable) {
		t.Errorf("unexpected error %+v", bErr)
	}
	if bErr.Grid == nil || bErr.Grid.IsError() || len(bErr.Grid.Rows) != 1 {
		t.Fatalf("response grid must be attached, got %+v", bErr.Grid)
	}
	if got := bErr.Grid.Rows[0].Str("reason"); got != "station starting" {
		t.Errorf("reason = %q", got)
	}
}

func TestDecodeErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rows":[{"curVal":"q:1"}]}`))
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	m := session.NewManager(session.Config{}, session.Local{Host: u.Hostname(), Port: port})

	_, err := m.Execute(context.Background(), session.TagLocal, readRequest("point"))
	var decErr *haystack.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	srv.Close()
	port, _ := strconv.Atoi(u.Port())
	m := session.NewManager(session.Config{Timeout: time.Second}, session.Local{Host: u.Hostname(), Port: port})

	_, err := m.Execute(context.Background(), session.TagLocal, readRequest("point"))
	if !session.IsConnection(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	m := session.NewManager(session.Config{})
	_, err := m.Execute(context.Background(), session.TagRelay, readRequest("point"))
	if !errors.Is(err, session.ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestRelay(t *testing.T) {
	type envelope struct {
		Operation string          `json:"operation"`
		Params    json.RawMessage `json:"params"`
	}
	var got envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/haystack" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		if got.Operation == "fail" {
			fmt.Fprint(w, `{"success":false,"error":"Niagara returned error: 500"}`)
			return
		}
		fmt.Fprintf(w, `{"success":true,"data":%s}`, pointGrid)
	}))
	defer srv.Close()

	m := session.NewManager(session.Config{}, session.Relay{URL: srv.URL + "/", Token: "tok"})
	g, err := m.Execute(context.Background(), session.TagRelay, readRequest("point"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Operation != "read" {
		t.Errorf("unexpected operation %q", got.Operation)
	}
	params, err := haystack.Decode(got.Params)
	if err != nil {
		t.Fatal(err)
	}
	if params.Rows[0].Str("filter") != "point" {
		t.Errorf("filter not forwarded: %s", got.Params)
	}
	if haystack.RefID(g.Rows[0].Get("id")) != "p1" {
		t.Errorf("unexpected rows %v", g.ToNative())
	}

	_, err = m.Execute(context.Background(), session.TagRelay, session.Get("fail", haystack.Dict{}))
	var bErr *session.BackendError
	if !errors.As(err, &bErr) || !strings.Contains(bErr.Msg, "500") {
		t.Fatalf("expected BackendError from relay envelope, got %v", err)
	}

	bad := session.NewManager(session.Config{}, session.Relay{URL: srv.URL, Token: "nope"})
	_, err = bad.Execute(context.Background(), session.TagRelay, readRequest("point"))
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}
