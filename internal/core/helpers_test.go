package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloudfs/cloudsync/internal/model"
	"github.com/cloudfs/cloudsync/internal/remote"
)

type fakeRemoteFile struct {
	meta    remote.FileMetadata
	content string
}

// fakeFiles is an in-memory remote.FileAPI.
type fakeFiles struct {
	mu       sync.Mutex
	files    map[string]*fakeRemoteFile
	uploads  map[string][]string
	fetches  int
	status   int   // Download status, 200 when zero
	failWith error // returned by every call when set

	// When hold is set, metadata calls signal entered and then wait for
	// hold to close or the context to end.
	hold    chan struct{}
	entered chan struct{}
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		files:   make(map[string]*fakeRemoteFile),
		uploads: make(map[string][]string),
	}
}

func (f *fakeFiles) put(id, name, content string, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = &fakeRemoteFile{
		meta:    remote.FileMetadata{ID: id, Name: name, Size: int64(len(content)), UpdatedAt: updatedAt},
		content: content,
	}
}

func (f *fakeFiles) uploadsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads[id]...)
}

func (f *fakeFiles) GetFileMetadata(ctx context.Context, fileID string) (*remote.FileMetadata, error) {
	if f.hold != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	file, ok := f.files[fileID]
	if !ok {
		return nil, &remote.Error{Op: "metadata", FileID: fileID, Kind: remote.ErrNotFound}
	}
	meta := file.meta
	return &meta, nil
}

func (f *fakeFiles) GetFileContent(_ context.Context, fileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failWith != nil {
		return "", f.failWith
	}
	file, ok := f.files[fileID]
	if !ok {
		return "", &remote.Error{Op: "content", FileID: fileID, Kind: remote.ErrNotFound}
	}
	return file.content, nil
}

func (f *fakeFiles) UpdateFileContent(_ context.Context, fileID string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.uploads[fileID] = append(f.uploads[fileID], content)
	if file, ok := f.files[fileID]; ok {
		file.content = content
		file.meta.Size = int64(len(content))
	}
	return nil
}

func (f *fakeFiles) DownloadURL(_ context.Context, fileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	if _, ok := f.files[fileID]; !ok {
		return "", &remote.Error{Op: "url", FileID: fileID, Kind: remote.ErrNotFound}
	}
	return "fake://" + fileID, nil
}

func (f *fakeFiles) Download(_ context.Context, url string, localPath string) (*remote.DownloadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if f.status != 0 && f.status != 200 {
		return &remote.DownloadResult{LocalPath: localPath, StatusCode: f.status}, nil
	}
	file, ok := f.files[url[len("fake://"):]]
	if !ok {
		return &remote.DownloadResult{LocalPath: localPath, StatusCode: 404}, nil
	}
	if err := os.WriteFile(localPath, []byte(file.content), 0600); err != nil {
		return nil, err
	}
	return &remote.DownloadResult{LocalPath: localPath, StatusCode: 200, Size: int64(len(file.content))}, nil
}

// fakeDocs records document replays.
type fakeDocs struct {
	mu       sync.Mutex
	contents map[string]string
	titles   map[string]string
	failWith error
	calls    int
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{contents: make(map[string]string), titles: make(map[string]string)}
}

func (d *fakeDocs) SaveDocumentContent(_ context.Context, id, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failWith != nil {
		return d.failWith
	}
	d.contents[id] = content
	return nil
}

func (d *fakeDocs) UpdateDocumentTitle(_ context.Context, id, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failWith != nil {
		return d.failWith
	}
	d.titles[id] = title
	return nil
}

// fakeSheets records spreadsheet replays.
type fakeSheets struct {
	mu       sync.Mutex
	cells    map[string]interface{}
	formulas map[string]string
}

func newFakeSheets() *fakeSheets {
	return &fakeSheets{cells: make(map[string]interface{}), formulas: make(map[string]string)}
}

func (s *fakeSheets) UpdateCell(_ context.Context, id, ref string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[id+"!"+ref] = value
	return nil
}

func (s *fakeSheets) UpdateFormula(_ context.Context, id, ref, formula string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formulas[id+"!"+ref] = formula
	return nil
}

// fakeClock hands out strictly increasing times.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv wires every core component over a temp database.
type testEnv struct {
	t       *testing.T
	ctx     context.Context
	db      *EncryptedDB
	files   *fakeFiles
	docs    *fakeDocs
	sheets  *fakeSheets
	network *StaticMonitor
	clock   *fakeClock
	locks   *FileLocks
	store   *OfflineStore
	journal *EditJournal
	engine  *SyncEngine
	queue   *WorkQueue
}

func newTestEnv(t *testing.T, storeCfg StoreConfig) *testEnv {
	t.Helper()

	dir := t.TempDir()
	db, err := OpenEncryptedDB(filepath.Join(dir, "index.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t)
	env := &testEnv{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		files:   newFakeFiles(),
		docs:    newFakeDocs(),
		sheets:  newFakeSheets(),
		network: NewStaticMonitor(true),
		clock:   newFakeClock(),
		locks:   NewFileLocks(),
	}

	storeCfg.BlobDir = filepath.Join(dir, "blobs")
	env.store, err = NewOfflineStore(db.DB(), env.files, storeCfg, logger, nil)
	require.NoError(t, err)
	env.store.now = env.clock.Now

	env.journal = NewEditJournal(db.DB(), env.store, env.docs, env.sheets, JournalConfig{}, logger, nil)
	env.journal.now = env.clock.Now

	env.engine = NewSyncEngine(env.store, env.journal, env.files, env.network, env.locks,
		EngineConfig{RetryDelay: time.Millisecond, SettleDelay: time.Millisecond}, logger, nil)
	env.engine.now = env.clock.Now
	t.Cleanup(env.engine.Cleanup)

	env.queue = NewWorkQueue(db.DB(), env.store, env.engine, env.locks, QueueConfig{TickInterval: time.Hour}, logger, nil)
	env.queue.now = env.clock.Now
	t.Cleanup(env.queue.Cleanup)

	return env
}

// download puts a remote file and makes it available offline.
func (e *testEnv) download(id, name, content string, updatedAt time.Time) *model.OfflineFile {
	e.t.Helper()
	e.files.put(id, name, content, updatedAt)
	file, err := e.store.DownloadForOffline(e.ctx, model.FileDescriptor{
		ID:        id,
		Name:      name,
		Size:      int64(len(content)),
		UpdatedAt: updatedAt,
	})
	require.NoError(e.t, err)
	return file
}

func (e *testEnv) mustFile(id string) *model.OfflineFile {
	e.t.Helper()
	file, err := e.store.GetOfflineFile(e.ctx, id)
	require.NoError(e.t, err)
	require.NotNil(e.t, file, "file %s not offline", id)
	return file
}

var errBoom = errors.New("boom")

func fileID(i int) string {
	return fmt.Sprintf("file-%d", i)
}
