// Package httpapi implements the remote APIs against the cloud backend's REST
// endpoints. Requests are rate limited client-side and honour context
// cancellation, which is how in-flight transfers are aborted.
package httpapi

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
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudfs/cloudsync/internal/remote"
)

// Config configures the REST client.
type Config struct {
	BaseURL    string        // e.g. https://api.example.com/api
	Token      string        // bearer token, optional
	Timeout    time.Duration // per request; downloads use the context only
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
}

// Client implements remote.FileAPI, remote.DocumentAPI and remote.SpreadsheetAPI.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client. A zero RatePerSec disables limiting.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    hc,
		limiter: limiter,
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

type fileItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (item fileItem) metadata() remote.FileMetadata {
	return remote.FileMetadata{
		ID:        item.ID,
		Name:      item.Name,
		Size:      item.Size,
		MimeType:  item.MimeType,
		UpdatedAt: item.UpdatedAt,
		IsFolder:  item.Type == "folder",
	}
}

// GetFileMetadata fetches GET /files/{id}.
func (c *Client) GetFileMetadata(ctx context.Context, fileID string) (*remote.FileMetadata, error) {
	var item fileItem
	if err := c.doJSON(ctx, "metadata", fileID, http.MethodGet, "/files/"+url.PathEscape(fileID), nil, &item); err != nil {
		return nil, err
	}
	meta := item.metadata()
	return &meta, nil
}

// ListStarredFiles fetches GET /files/starred.
func (c *Client) ListStarredFiles(ctx context.Context) ([]remote.FileMetadata, error) {
	return c.list(ctx, "starred", "/files/starred")
}

// ListRecentFiles fetches GET /files/recent?limit=N.
func (c *Client) ListRecentFiles(ctx context.Context, limit int) ([]remote.FileMetadata, error) {
	if limit <= 0 {
		limit = 20
	}
	return c.list(ctx, "recent", "/files/recent?limit="+strconv.Itoa(limit))
}

func (c *Client) list(ctx context.Context, op, path string) ([]remote.FileMetadata, error) {
	var items []fileItem
	if err := c.doJSON(ctx, op, "", http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	out := make([]remote.FileMetadata, 0, len(items))
	for _, item := range items {
		out = append(out, item.metadata())
	}
	return out, nil
}

// GetFileContent fetches GET /files/{id}/content as text.
func (c *Client) GetFileContent(ctx context.Context, fileID string) (string, error) {
	resp, err := c.do(ctx, "content", fileID, http.MethodGet, "/files/"+url.PathEscape(fileID)+"/content", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &remote.Error{Op: "content", FileID: fileID, Kind: remote.ErrTransport, Err: err}
	}
	return string(body), nil
}

// UpdateFileContent sends PUT /files/{id}/content.
func (c *Client) UpdateFileContent(ctx context.Context, fileID string, content string) error {
	payload := map[string]string{"content": content}
	return c.doJSON(ctx, "update", fileID, http.MethodPut, "/files/"+url.PathEscape(fileID)+"/content", payload, nil)
}

// DownloadURL fetches GET /files/{id}/download-url.
func (c *Client) DownloadURL(ctx context.Context, fileID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, "download-url", fileID, http.MethodGet, "/files/"+url.PathEscape(fileID)+"/download-url", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Download streams rawURL to localPath. A non-200 status is reported in the
// result, not as an error, so callers can decide how to classify it.
func (c *Client) Download(ctx context.Context, rawURL string, localPath string) (*remote.DownloadResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &remote.Error{Op: "download", FileID: rawURL, Kind: remote.ErrTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)

	// Downloads can outlive the per-request timeout; only ctx bounds them.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &remote.Error{Op: "download", FileID: rawURL, Kind: remote.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	result := &remote.DownloadResult{LocalPath: localPath, StatusCode: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		return result, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create local file: %w", err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return nil, &remote.Error{Op: "download", FileID: rawURL, Kind: remote.ErrTransport, Err: err}
	}
	result.Size = n
	return result, nil
}

// SaveDocumentContent sends PATCH /documents/{id}/content.
func (c *Client) SaveDocumentContent(ctx context.Context, documentID string, content string) error {
	payload := map[string]string{"content": content}
	return c.doJSON(ctx, "document-content", documentID, http.MethodPatch, "/documents/"+url.PathEscape(documentID)+"/content", payload, nil)
}

// UpdateDocumentTitle sends PUT /documents/{id}.
func (c *Client) UpdateDocumentTitle(ctx context.Context, documentID string, title string) error {
	payload := map[string]string{"title": title}
	return c.doJSON(ctx, "document-title", documentID, http.MethodPut, "/documents/"+url.PathEscape(documentID), payload, nil)
}

// UpdateCell sends PUT /spreadsheets/{id}/cells/{ref}.
func (c *Client) UpdateCell(ctx context.Context, spreadsheetID string, cellRef string, value interface{}) error {
	payload := map[string]interface{}{"value": value}
	p := "/spreadsheets/" + url.PathEscape(spreadsheetID) + "/cells/" + url.PathEscape(cellRef)
	return c.doJSON(ctx, "cell", spreadsheetID, http.MethodPut, p, payload, nil)
}

// UpdateFormula sends PUT /spreadsheets/{id}/cells/{ref} with a formula.
func (c *Client) UpdateFormula(ctx context.Context, spreadsheetID string, cellRef string, formula string) error {
	payload := map[string]interface{}{"formula": formula}
	p := "/spreadsheets/" + url.PathEscape(spreadsheetID) + "/cells/" + url.PathEscape(cellRef)
	return c.doJSON(ctx, "formula", spreadsheetID, http.MethodPut, p, payload, nil)
}

// doJSON sends a JSON body and decodes the {success,data} envelope into out.
func (c *Client) doJSON(ctx context.Context, op, fileID, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, op, fileID, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &remote.Error{Op: op, FileID: fileID, Kind: remote.ErrTransport, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(env.Data) == 0 {
		return &remote.Error{Op: op, FileID: fileID, Kind: remote.ErrTransport, Err: errors.New("empty response data")}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &remote.Error{Op: op, FileID: fileID, Kind: remote.ErrTransport, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

// do sends the request and maps non-2xx statuses onto failure classes.
// On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, op, fileID, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &remote.Error{Op: op, FileID: fileID, Kind: remote.ErrTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &remote.Error{Op: op, FileID: fileID, Kind: remote.ErrTransport, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	kind := remote.ErrTransport
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = remote.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = remote.ErrAuth
	}
	return nil, &remote.Error{
		Op:     op,
		FileID: fileID,
		Kind:   kind,
		Err:    fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
