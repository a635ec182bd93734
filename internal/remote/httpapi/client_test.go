package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudsync/internal/remote"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api", Token: "secret"})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: raw})
}

func TestClient_FileAPI(t *testing.T) {
	updated := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var uploaded string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files/f1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeJSON(w, fileItem{ID: "f1", Name: "a.txt", Size: 5, MimeType: "text/plain", UpdatedAt: updated})
	})
	mux.HandleFunc("GET /api/files/f1/content", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	})
	mux.HandleFunc("PUT /api/files/f1/content", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		uploaded = body["content"]
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/files/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such file", http.StatusNotFound)
	})
	mux.HandleFunc("GET /api/files/private", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	meta, err := c.GetFileMetadata(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", meta.Name)
	assert.Equal(t, int64(5), meta.Size)
	assert.True(t, meta.UpdatedAt.Equal(updated))

	content, err := c.GetFileContent(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	require.NoError(t, c.UpdateFileContent(ctx, "f1", "world"))
	assert.Equal(t, "world", uploaded)

	_, err = c.GetFileMetadata(ctx, "missing")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	_, err = c.GetFileMetadata(ctx, "private")
	assert.ErrorIs(t, err, remote.ErrAuth)
}

func TestClient_Download(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /blob/ok", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "payload")
	})
	mux.HandleFunc("GET /blob/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	dir := t.TempDir()
	ok := filepath.Join(dir, "sub", "ok.bin")
	result, err := c.Download(context.Background(), srv.URL+"/blob/ok", ok)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, int64(7), result.Size)

	data, err := os.ReadFile(ok)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	broken := filepath.Join(dir, "broken.bin")
	result, err = c.Download(context.Background(), srv.URL+"/blob/broken", broken)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
	_, err = os.Stat(broken)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_EditReplayEndpoints(t *testing.T) {
	got := map[string]map[string]interface{}{}
	record := func(key string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			got[key] = body
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /api/documents/d1/content", record("content"))
	mux.HandleFunc("PUT /api/documents/d1", record("title"))
	mux.HandleFunc("PUT /api/spreadsheets/s1/cells/A1", record("cell"))
	mux.HandleFunc("PUT /api/spreadsheets/s1/cells/B2", record("formula"))

	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.SaveDocumentContent(ctx, "d1", "body"))
	require.NoError(t, c.UpdateDocumentTitle(ctx, "d1", "Title"))
	require.NoError(t, c.UpdateCell(ctx, "s1", "A1", 42.0))
	require.NoError(t, c.UpdateFormula(ctx, "s1", "B2", "=A1*2"))

	assert.Equal(t, "body", got["content"]["content"])
	assert.Equal(t, "Title", got["title"]["title"])
	assert.Equal(t, 42.0, got["cell"]["value"])
	assert.Equal(t, "=A1*2", got["formula"]["formula"])
}

func TestClient_ListFiles(t *testing.T) {
	var gotLimit string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files/starred", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []fileItem{
			{ID: "s1", Name: "a.txt", Type: "file", Size: 3},
			{ID: "d1", Name: "docs", Type: "folder"},
		})
	})
	mux.HandleFunc("GET /api/files/recent", func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, []fileItem{{ID: "r1", Name: "b.txt", Size: 7}})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	starred, err := c.ListStarredFiles(ctx)
	require.NoError(t, err)
	require.Len(t, starred, 2)
	assert.False(t, starred[0].IsFolder)
	assert.True(t, starred[1].IsFolder)

	recent, err := c.ListRecentFiles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "r1", recent[0].ID)
	assert.Equal(t, "20", gotLimit)

	_, err = c.ListRecentFiles(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "5", gotLimit)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}
