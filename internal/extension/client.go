// Package extension connects to the external extraction/browser
// collaborator processes spec.md §1 puts out of scope for this core: the
// DOM-scraping/LLM-backed Extractor and the authenticated BrowserSession.
// Grounded on the teacher's internal/rpc.Client — an opaque handle dialed
// against a pre-existing socket, never one this package launches or
// authenticates itself. config.ExtensionPath names the socket; RMCitecraft
// only reads that key and connects to it, it never loads or executes
// anything found there.
package extension

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miams/rmcitecraft/internal/extractor"
	"github.com/miams/rmcitecraft/internal/types"
)

// request/response envelope, grounded on internal/rpc/protocol.go's
// Op-tagged request/response shape.
type request struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	OK      bool            `json:"ok"`
	Class   string          `json:"class,omitempty"`
	Error   string          `json:"error,omitempty"`
	Missing []string        `json:"missing_fields,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Client dials a unix socket an external extraction/browser collaborator
// listens on and implements both extractor.Extractor and browser.Session
// over it. Not safe for concurrent use by more than one BatchRunner, the
// same single-writer-per-kind discipline internal/runner already assumes.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
	callTimeout time.Duration

	conn net.Conn
	rw   *bufio.ReadWriter
}

// Dial connects to socketPath. Returns an error immediately if nothing is
// listening — cmd/rmcitecraft's start command treats that as a startup
// error rather than silently running with no extraction capability.
func Dial(socketPath string, dialTimeout, callTimeout time.Duration) (*Client, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("extension: no extension_path configured")
	}
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if !socketExists(socketPath) {
		return nil, fmt.Errorf("extension: no extraction collaborator listening at %s", socketPath)
	}
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("extension: dial %s: %w", socketPath, err)
	}
	return &Client{
		socketPath:  socketPath,
		dialTimeout: dialTimeout,
		callTimeout: callTimeout,
		conn:        conn,
		rw:          bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, op string, params, result interface{}) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(c.callTimeout))
	}
	defer c.conn.SetDeadline(time.Time{})

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("extension: marshal params for %s: %w", op, err)
	}
	line, err := json.Marshal(request{Op: op, Params: raw})
	if err != nil {
		return fmt.Errorf("extension: marshal request for %s: %w", op, err)
	}
	if _, err := c.rw.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("extension: write %s: %w", op, err)
	}
	if err := c.rw.Flush(); err != nil {
		return fmt.Errorf("extension: flush %s: %w", op, err)
	}

	respLine, err := c.rw.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("extension: read %s response: %w", op, err)
	}
	var resp response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return fmt.Errorf("extension: decode %s response: %w", op, err)
	}
	if !resp.OK {
		return classifyError(resp)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("extension: decode %s result: %w", op, err)
		}
	}
	return nil
}

func classifyError(resp response) error {
	class := extractor.ErrorClass(resp.Class)
	if class == "" {
		class = extractor.ClassFatal
	}
	return &extractor.Error{Class: class, MissingFields: resp.Missing, Err: fmt.Errorf("%s", resp.Error)}
}

// Extract implements extractor.Extractor.
func (c *Client) Extract(ctx context.Context, url string, hint extractor.Hint) (*types.Extraction, error) {
	params := struct {
		URL  string          `json:"url"`
		Hint extractor.Hint `json:"hint"`
	}{URL: url, Hint: hint}

	var ex types.Extraction
	if err := c.call(ctx, "extract", params, &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// Goto implements browser.Session.
func (c *Client) Goto(ctx context.Context, url string) error {
	return c.call(ctx, "goto", struct {
		URL string `json:"url"`
	}{URL: url}, nil)
}

// Evaluate implements browser.Session.
func (c *Client) Evaluate(ctx context.Context, script string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := c.call(ctx, "evaluate", struct {
		Script string `json:"script"`
	}{Script: script}, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// Download implements browser.Session.
func (c *Client) Download(ctx context.Context, selector string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	if err := c.call(ctx, "download", struct {
		Selector string `json:"selector"`
	}{Selector: selector}, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// IsHealthy implements browser.Session. A failed health check is reported
// unhealthy rather than propagated, matching the teacher's rpc.Client
// TryConnect convention of treating connectivity failure as a boolean.
func (c *Client) IsHealthy(ctx context.Context) bool {
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.call(ctx, "is_healthy", struct{}{}, &out); err != nil {
		return false
	}
	return out.Healthy
}

// Recover implements browser.Session.
func (c *Client) Recover(ctx context.Context) error {
	return c.call(ctx, "recover", struct{}{}, nil)
}

// socketExists mirrors the teacher's endpointExists probe used before
// attempting a real dial, so callers can fail fast with a clear message.
func socketExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
