package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
)

// Tag names a backend slot.
type Tag string

const (
	TagLocal Tag = "local"
	TagRelay Tag = "relay"
)

// DefaultMaxResponseSize caps the body read from a backend.
const DefaultMaxResponseSize = 32 << 20

// Backend is either a Local station or a Relay gateway.
type Backend interface {
	Tag() Tag
	// Endpoint is the base URL requests are sent to.
	Endpoint() string
	TLSVerify() bool
	login(ctx context.Context, client *http.Client) (credential, error)
	newRequest(ctx context.Context, cred credential, req Request) (*http.Request, error)
	parse(req Request, status int, body []byte) (*haystack.Grid, error)
}

type credential struct {
	header string
	value  string
}

func (c credential) apply(r *http.Request) {
	if c.header != "" {
		r.Header.Set(c.header, c.value)
	}
}

// Local is a direct connection to the station's Haystack servlet.
type Local struct {
	Host      string
	Port      int
	Username  string
	Password  string
	UseHTTPS  bool
	Path      string
	VerifySSL bool
}

func (Local) Tag() Tag { return TagLocal }

func (l Local) Endpoint() string {
	scheme := "http"
	if l.UseHTTPS {
		scheme = "https"
	}
	path := l.Path
	if path == "" {
		path = "/haystack"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, l.hostPort(), strings.TrimRight(path, "/"))
}

func (l Local) hostPort() string {
	if l.Port == 0 {
		return l.Host
	}
	return l.Host + ":" + strconv.Itoa(l.Port)
}

func (l Local) TLSVerify() bool { return l.VerifySSL }

func (l Local) basic() credential {
	if l.Username == "" {
		return credential{}
	}
	token := base64.StdEncoding.EncodeToString([]byte(l.Username + ":" + l.Password))
	return credential{header: "Authorization", value: "Basic " + token}
}

// login opens a station session through the about op. A session cookie set
// by the station becomes the credential; without one, basic credentials are
// sent on every request.
func (l Local) login(ctx context.Context, client *http.Client) (credential, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, l.Endpoint()+"/about", nil)
	if err != nil {
		return credential{}, err
	}
	r.Header.Set("Accept", "application/json")
	basic := l.basic()
	basic.apply(r)
	resp, err := client.Do(r)
	if err != nil {
		return credential{}, &ConnectionError{Backend: TagLocal, Op: "login", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, DefaultMaxResponseSize))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return credential{}, &AuthError{Backend: TagLocal, Op: "login", Status: resp.StatusCode}
	case resp.StatusCode >= 300:
		return credential{}, &BackendError{Backend: TagLocal, Op: "login", Status: resp.StatusCode, Msg: http.StatusText(resp.StatusCode)}
	}
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return basic, nil
	}
	parts := make([]string, len(cookies))
	for i, c := range cookies {
		parts[i] = c.Name + "=" + c.Value
	}
	return credential{header: "Cookie", value: strings.Join(parts, "; ")}, nil
}

func (l Local) newRequest(ctx context.Context, cred credential, req Request) (*http.Request, error) {
	target := l.Endpoint() + "/" + req.Op
	var (
		r   *http.Request
		err error
	)
	if req.Method == http.MethodGet {
		if q := req.query(); len(q) > 0 {
			target += "?" + q.Encode()
		}
		r, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	} else {
		var body []byte
		body, err = haystack.Encode(req.grid())
		if err != nil {
			return nil, err
		}
		r, err = http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if r != nil {
			r.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}
	r.Header.Set("Accept", "application/json")
	cred.apply(r)
	return r, nil
}

func (l Local) parse(req Request, status int, body []byte) (*haystack.Grid, error) {
	if status >= 300 {
		berr := &BackendError{Backend: TagLocal, Op: req.Op, Status: status, Msg: http.StatusText(status)}
		if g, err := haystack.Decode(body); err == nil {
			berr.Grid = g
			if g.IsError() {
				berr.Msg = g.ErrDis()
			}
		}
		return nil, berr
	}
	g, err := haystack.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", TagLocal, req.Op, err)
	}
	if g.IsError() {
		return nil, &BackendError{Backend: TagLocal, Op: req.Op, Status: status, Msg: g.ErrDis(), Grid: g}
	}
	return g, nil
}

// Relay is a token authenticated gateway proxying Haystack operations.
type Relay struct {
	URL       string
	Token     string
	VerifySSL bool
}

func (Relay) Tag() Tag { return TagRelay }

func (r Relay) Endpoint() string {
	return strings.TrimRight(r.URL, "/")
}

func (r Relay) TLSVerify() bool { return r.VerifySSL }

func (r Relay) login(ctx context.Context, client *http.Client) (credential, error) {
	if r.Token == "" {
		return credential{}, nil
	}
	return credential{header: "Authorization", value: "Bearer " + r.Token}, nil
}

type relayRequest struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

type relayResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (r Relay) newRequest(ctx context.Context, cred credential, req Request) (*http.Request, error) {
	params, err := haystack.Encode(req.grid())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(relayRequest{Operation: req.Op, Params: params})
	if err != nil {
		return nil, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint()+"/haystack", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	cred.apply(hr)
	return hr, nil
}

func (r Relay) parse(req Request, status int, body []byte) (*haystack.Grid, error) {
	var env relayResponse
	if err := json.Unmarshal(body, &env); err != nil {
		if status >= 300 {
			return nil, &BackendError{Backend: TagRelay, Op: req.Op, Status: status, Msg: http.StatusText(status)}
		}
		return nil, fmt.Errorf("%s: %s: %w", TagRelay, req.Op, &haystack.DecodeError{Msg: "malformed relay envelope", Err: err})
	}
	if status >= 300 || !env.Success {
		berr := &BackendError{Backend: TagRelay, Op: req.Op, Status: status, Msg: env.Error}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if g, err := haystack.Decode(env.Data); err == nil {
				berr.Grid = g
				if berr.Msg == "" {
					berr.Msg = g.ErrDis()
				}
			}
		}
		return nil, berr
	}
	g, err := haystack.Decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", TagRelay, req.Op, err)
	}
	if g.IsError() {
		return nil, &BackendError{Backend: TagRelay, Op: req.Op, Status: status, Msg: g.ErrDis(), Grid: g}
	}
	return g, nil
}

// Request is one Haystack operation. GET requests carry Params in the query
// string; POST requests send Body, or a one row grid built from Params.
type Request struct {
	Method string
	Op     string
	Params haystack.Dict
	Body   *haystack.Grid
}

func Get(op string, params haystack.Dict) Request {
	return Request{Method: http.MethodGet, Op: op, Params: params}
}

func Post(op string, body *haystack.Grid) Request {
	return Request{Method: http.MethodPost, Op: op, Body: body}
}

func (r Request) query() url.Values {
	q := url.Values{}
	r.Params.Each(func(name string, v haystack.Value) {
		if !haystack.IsNull(v) {
			q.Set(name, queryValue(v))
		}
	})
	return q
}

func (r Request) grid() *haystack.Grid {
	if r.Body != nil {
		return r.Body
	}
	g := haystack.NewGrid()
	if r.Params.Len() > 0 {
		g.AddRow(r.Params)
	}
	return g
}

func queryValue(v haystack.Value) string {
	switch t := v.(type) {
	case haystack.Str:
		return string(t)
	case haystack.Ref:
		return "@" + strings.TrimPrefix(t.ID, "@")
	case haystack.Number:
		s := strconv.FormatFloat(t.Val, 'f', -1, 64)
		return s + t.Unit
	case haystack.Bool:
		return strconv.FormatBool(bool(t))
	}
	return fmt.Sprint(haystack.ToNative(v))
}
