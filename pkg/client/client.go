// Package client talks to a drop server over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown, expired or deleted blobs.
var ErrNotFound = errors.New("blob not found")

// StatusError is a non-success response from the server.
type StatusError struct {
	Code    int
	Message string
	// RetryAfter is set on 429 responses.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("drop server: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("drop server: %d %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Upload describes a stored blob.
type Upload struct {
	ID        string     `json:"id"`
	ShortURL  string     `json:"short_url"`
	FullURL   string     `json:"full_url"`
	Filename  string     `json:"filename"`
	Size      int64      `json:"size"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ShortCode returns the last path segment of ShortURL.
func (u *Upload) ShortCode() string {
	return u.ShortURL[strings.LastIndex(u.ShortURL, "/")+1:]
}

// Download is an open blob. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	// Size is -1 when the server sent no length.
	Size int64
}

// Health is the server state reported by /health.
type Health struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Mode    string `json:"mode"`
	Pool    struct {
		UsedBytes     int64 `json:"used_bytes"`
		CapacityBytes int64 `json:"capacity_bytes"`
	} `json:"memory_pool"`
	Storage *struct {
		TotalFiles  int64 `json:"total_files"`
		TotalSize   int64 `json:"total_size"`
		MemoryFiles int64 `json:"memory_files"`
		DiskFiles   int64 `json:"disk_files"`
	} `json:"storage_stats,omitempty"`
	ActiveUploads int64 `json:"active_uploads"`
}

type Client struct {
	base string
	http *http.Client
}

// Option configures client behavior.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the server at baseURL, e.g. http://localhost:3000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{base: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Upload streams r as a multipart file part. A non-negative size is sent as
// the part's Content-Length so the server can place the blob up front.
func (c *Client) Upload(ctx context.Context, filename, contentType string, r io.Reader, size int64) (*Upload, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "file",
			"filename": filename,
		}))
		if contentType != "" {
			hdr.Set("Content-Type", contentType)
		}
		if size >= 0 {
			hdr.Set("Content-Length", strconv.FormatInt(size, 10))
		}
		part, err := mw.CreatePart(hdr)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/drop", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	// Unblock the writer if the server answered before reading everything.
	pr.CloseWithError(io.ErrClosedPipe)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var up Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &up, nil
}

// Download opens the blob named by an id or short code.
func (c *Client) Download(ctx context.Context, idOrCode string) (*Download, error) {
	resp, err := c.do(ctx, http.MethodGet, "/drop/"+idOrCode)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	dl := &Download{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		dl.Filename = params["filename"]
	}
	return dl, nil
}

// Delete removes the blob named by an id or short code.
func (c *Client) Delete(ctx context.Context, idOrCode string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/drop/"+idOrCode)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// Health fetches the server health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(method), path, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	e := &StatusError{Code: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		e.Message = body.Error
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}
