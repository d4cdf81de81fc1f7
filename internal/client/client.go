// Package client talks to an instrumentq server over HTTP: login, command
// discovery, enqueueing tasks, polling the queue and waiting on results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"instrumentq/internal/domain"
)

var ErrHTTPStatus = errors.New("unexpected HTTP status")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API call to %s failed with status code %d: %s", e.Op, e.Code, strings.TrimSpace(e.Body))
}

func (e *StatusError) Unwrap() error { return ErrHTTPStatus }

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithOutput(w io.Writer) Option        { return func(c *Client) { c.out = w } }
func WithToken(token string) Option        { return func(c *Client) { c.token = token } }

// WithPollTimeout bounds each request made while waiting on the queue.
func WithPollTimeout(d time.Duration) Option { return func(c *Client) { c.pollTimeout = d } }

type Client struct {
	base        string
	http        *http.Client
	out         io.Writer
	pollTimeout time.Duration

	mu        sync.Mutex
	token     string
	queued    map[string]Stub
	unqueued  map[string]Stub
	cached    domain.Snapshot
	iteration uint64
	hasCache  bool
}

// New returns a client for the server at addr, which may omit the scheme.
func New(addr string, opts ...Option) (*Client, error) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return nil, errors.New("server address must be specified")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", addr)
	}

	c := &Client{
		base:        u.String(),
		http:        &http.Client{Timeout: 60 * time.Second},
		out:         os.Stdout,
		pollTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) URL() string { return c.base }

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do sends in as a JSON body (when non-nil) and decodes the response into out.
// A *string out receives the raw body text.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		op := strings.TrimPrefix(path, "/")
		if i := strings.IndexByte(op, '?'); i >= 0 {
			op = op[:i]
		}
		return &StatusError{Op: op, Code: resp.StatusCode, Body: string(raw)}
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *string:
		*v = string(raw)
		return nil
	default:
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}
}

// Login obtains a bearer token used on every later request.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/login", map[string]string{"username": username, "password": password}, &resp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// LoggedIn reports whether the current token is accepted.
func (c *Client) LoggedIn(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/login_test", nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		return false, nil
	}
	return err == nil, err
}

type EnqueueOptions struct {
	UUID     string
	Position *int
	// Interactive blocks until the package reaches history.
	Interactive bool
}

type EnqueueResult struct {
	UUID string
	// Meta is set for interactive enqueues.
	Meta *domain.Meta
}

// Enqueue posts task. Interactive enqueues wait for the package to finish and
// return its meta; a failed package's return_val is written to the output.
func (c *Client) Enqueue(ctx context.Context, task domain.Task, opts EnqueueOptions) (EnqueueResult, error) {
	body := task.Clone()
	if body == nil {
		body = domain.Task{}
	}
	if opts.UUID != "" {
		body[domain.KeyUUID] = opts.UUID
	}
	if opts.Position != nil {
		body[domain.KeyQueueLoc] = *opts.Position
	}

	var id string
	if err := c.do(ctx, http.MethodPost, "/enqueue", body, &id); err != nil {
		return EnqueueResult{}, err
	}
	res := EnqueueResult{UUID: id}
	if !opts.Interactive {
		return res, nil
	}

	p, err := c.Wait(ctx, WaitOptions{
		TargetUUID:      id,
		ForHistory:      true,
		FirstCheckDelay: 500 * time.Millisecond,
	})
	if err != nil {
		return res, err
	}
	if p != nil {
		meta := p.Meta
		res.Meta = &meta
		if meta.ExitState == domain.ExitError {
			fmt.Fprintln(c.out, meta.ReturnVal)
		}
	}
	return res, nil
}

// GetQueue returns the queue snapshot, refetching it only when the server's
// iteration counter moved since the last call.
func (c *Client) GetQueue(ctx context.Context) (domain.Snapshot, error) {
	var it uint64
	if err := c.do(ctx, http.MethodGet, "/get_queue_iteration", nil, &it); err != nil {
		return domain.Snapshot{}, err
	}
	c.mu.Lock()
	if c.hasCache && c.iteration == it {
		snap := c.cached
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	var parts []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/get_queue?with_iteration=1", nil, &parts); err != nil {
		return domain.Snapshot{}, err
	}
	if len(parts) != 4 {
		return domain.Snapshot{}, fmt.Errorf("get_queue returned %d parts, want 4", len(parts))
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(parts[0], &it); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode queue iteration: %w", err)
	}
	for i, dst := range []*[]domain.Package{&snap.History, &snap.Running, &snap.Pending} {
		if err := json.Unmarshal(parts[i+1], dst); err != nil {
			return domain.Snapshot{}, fmt.Errorf("decode queue snapshot: %w", err)
		}
	}

	c.mu.Lock()
	c.cached, c.iteration, c.hasCache = snap, it, true
	c.mu.Unlock()
	return snap, nil
}

// Snapshot fetches the queue without the iteration cache.
func (c *Client) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := c.do(ctx, http.MethodGet, "/get_queue", nil, &snap)
	return snap, err
}

func (c *Client) QueueState(ctx context.Context) (domain.QueueState, error) {
	var s string
	if err := c.do(ctx, http.MethodGet, "/queue_state", nil, &s); err != nil {
		return "", err
	}
	return domain.ParseQueueState(strings.TrimSpace(s))
}

func (c *Client) Pause(ctx context.Context, state bool) error {
	return c.do(ctx, http.MethodPost, "/pause", map[string]bool{"state": state}, nil)
}

func (c *Client) Debug(ctx context.Context, state bool) error {
	return c.do(ctx, http.MethodPost, "/debug", map[string]bool{"state": state}, nil)
}

type uuidRef struct {
	UUID string `json:"uuid"`
}

func refs(uuids []string) []uuidRef {
	out := make([]uuidRef, len(uuids))
	for i, id := range uuids {
		out[i] = uuidRef{UUID: id}
	}
	return out
}

// ReorderQueue replaces the pending order. prior is the state the caller saw
// before editing; the server leaves a Paused queue paused.
func (c *Client) ReorderQueue(ctx context.Context, prior domain.QueueState, uuids []string) error {
	return c.do(ctx, http.MethodPost, "/reorder_queue", map[string]any{
		"prior_state": prior,
		"queue":       refs(uuids),
	}, nil)
}

func (c *Client) RemoveItem(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodPost, "/remove_item", uuidRef{UUID: uuid}, nil)
}

func (c *Client) RemoveItems(ctx context.Context, uuids ...string) error {
	return c.do(ctx, http.MethodPost, "/remove_items", refs(uuids), nil)
}

func (c *Client) MoveItem(ctx context.Context, uuid string, pos int) error {
	return c.do(ctx, http.MethodPost, "/move_item", map[string]any{"uuid": uuid, "pos": pos}, nil)
}

func (c *Client) ClearQueue(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/clear_queue", nil, nil)
}

func (c *Client) ClearHistory(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/clear_history", nil, nil)
}

func (c *Client) Halt(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/halt", map[string]any{}, nil)
}

func (c *Client) DriverStatus(ctx context.Context) ([]string, error) {
	var status []string
	err := c.do(ctx, http.MethodGet, "/driver_status", nil, &status)
	return status, err
}

func (c *Client) ServerTime(ctx context.Context) (string, error) {
	var s string
	err := c.do(ctx, http.MethodGet, "/get_server_time", nil, &s)
	return s, err
}

type ServerInfo struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Experiment string            `json:"experiment"`
	Contact    string            `json:"contact"`
	Devices    []string          `json:"devices"`
	QueueState domain.QueueState `json:"queue_state"`
	Queue      domain.Snapshot   `json:"queue"`
}

func (c *Client) Info(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := c.do(ctx, http.MethodGet, "/get_info", nil, &info)
	return info, err
}

// Archive returns up to limit archived packages, newest first.
func (c *Client) Archive(ctx context.Context, limit int) ([]domain.Package, error) {
	var pkgs []domain.Package
	err := c.do(ctx, http.MethodGet, "/get_archive?limit="+strconv.Itoa(limit), nil, &pkgs)
	return pkgs, err
}

// CallUnqueued runs an unqueued command and returns its decoded result.
func (c *Client) CallUnqueued(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out any
	err := c.do(ctx, http.MethodPost, "/unqueued/"+url.PathEscape(name), args, &out)
	return out, err
}

// DepositObj stores obj in the driver dropbox and returns its id.
func (c *Client) DepositObj(ctx context.Context, obj any, uid string) (string, error) {
	body := map[string]any{"obj": obj}
	if uid != "" {
		body["uuid"] = uid
	}
	var id string
	err := c.do(ctx, http.MethodPost, "/deposit_obj", body, &id)
	return id, err
}

// RetrieveObj fetches a dropbox object, deleting it server-side when remove
// is set.
func (c *Client) RetrieveObj(ctx context.Context, uid string, remove bool) (any, error) {
	var resp struct {
		Obj any `json:"obj"`
	}
	err := c.do(ctx, http.MethodPost, "/retrieve_obj", map[string]any{"uuid": uid, "delete": remove}, &resp)
	return resp.Obj, err
}
