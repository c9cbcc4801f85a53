package api

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/common/config"

	"github.com/gridqueue/gridqueue/pkg/archive"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
	"github.com/gridqueue/gridqueue/pkg/store"
	"github.com/gridqueue/gridqueue/pkg/workqueue"
)

const userAgent = "gridqueue-client"

// Error is an error response from the server.
type Error struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// Is lets callers match server errors against the local sentinels.
func (e *Error) Is(target error) bool {
	switch errorType(e.Type) {
	case errConflict:
		return target == element.ErrConflict
	case errExists:
		return target == spec.ErrExists
	case errNotEligible:
		return target == workqueue.ErrNotEligible
	case errNotFound:
		return target == element.ErrNotFound || target == store.ErrSpecNotFound || target == archive.ErrNotArchived
	}
	return false
}

// Client talks to a queue over HTTP. It implements workqueue.Parent, so a
// local queue can negotiate with a remote parent.
type Client struct {
	address string
	client  *http.Client
}

type ClientConfig struct {
	Address   string           `yaml:"address"`
	Timeout   time.Duration    `yaml:"timeout"`
	TLSConfig config.TLSConfig `yaml:"tls_config"`
}

func (cfg *ClientConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+"address", "", "Base URL of the parent queue, e.g. http://global:8080.")
	f.DurationVar(&cfg.Timeout, prefix+"timeout", 30*time.Second, "Timeout of requests to the parent queue.")
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("client address is required")
	}
	if _, err := url.Parse(cfg.Address); err != nil {
		return nil, errors.Wrap(err, "parse client address")
	}
	c, err := config.NewClientFromConfig(config.HTTPClientConfig{TLSConfig: cfg.TLSConfig}, "gridqueue")
	if err != nil {
		return nil, err
	}
	c.Timeout = cfg.Timeout
	return &Client{address: strings.TrimRight(cfg.Address, "/"), client: c}, nil
}

func (c *Client) AvailableWork(ctx context.Context, req *workqueue.WorkRequest) ([]*element.WorkElement, error) {
	var out []*element.WorkElement
	return out, c.do(ctx, http.MethodPost, AvailablePath, req, &out)
}

func (c *Client) Acquire(ctx context.Context, req *workqueue.AcquireRequest) (*element.WorkElement, error) {
	var out element.WorkElement
	if err := c.do(ctx, http.MethodPost, AcquirePath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportProgress(ctx context.Context, req *workqueue.ProgressReport) (*workqueue.ProgressResponse, error) {
	var out workqueue.ProgressResponse
	if err := c.do(ctx, http.MethodPost, ProgressPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Submit(ctx context.Context, s *spec.Specification) (*spec.Record, error) {
	var out spec.Record
	if err := c.do(ctx, http.MethodPost, RequestsPath, s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, name string) (*workqueue.RequestStatus, error) {
	var out workqueue.RequestStatus
	if err := c.do(ctx, http.MethodGet, requestPath(name, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, requestPath(name, "cancel"), nil, nil)
}

func (c *Client) UpdatePriority(ctx context.Context, name string, priority int) error {
	return c.do(ctx, http.MethodPut, requestPath(name, "priority"), &PriorityUpdate{Priority: priority}, nil)
}

func (c *Client) Elements(ctx context.Context, name string) ([]*element.WorkElement, error) {
	var out []*element.WorkElement
	return out, c.do(ctx, http.MethodGet, requestPath(name, "elements"), nil, &out)
}

func (c *Client) Requests(ctx context.Context) ([]*spec.Record, error) {
	var out []*spec.Record
	return out, c.do(ctx, http.MethodGet, RequestsPath, nil, &out)
}

func (c *Client) Archived(ctx context.Context) ([]string, error) {
	var out []string
	return out, c.do(ctx, http.MethodGet, ArchivePath, nil, &out)
}

func (c *Client) Snapshot(ctx context.Context, name string) (*archive.Snapshot, error) {
	var out archive.Snapshot
	if err := c.do(ctx, http.MethodGet, ArchivePath+"/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func requestPath(name, sub string) string {
	p := RequestsPath + "/" + url.PathEscape(name)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.address+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var r struct {
		Status    string             `json:"status"`
		Data      jsoniter.RawMessage `json:"data"`
		ErrorType string             `json:"errorType"`
		Error     string             `json:"error"`
	}
	if err := json.Unmarshal(buf, &r); err != nil {
		return errors.Wrapf(err, "decode response from %s (status %d)", path, resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 || r.Status != "success" {
		return &Error{StatusCode: resp.StatusCode, Type: r.ErrorType, Message: r.Error}
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}
