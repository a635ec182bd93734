package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopFiles struct{}

func (nopFiles) GetFileMetadata(context.Context, string) (*FileMetadata, error) {
	return nil, ErrNotFound
}

func (nopFiles) GetFileContent(context.Context, string) (string, error) {
	return "", ErrNotFound
}

func (nopFiles) UpdateFileContent(context.Context, string, string) error {
	return nil
}

func (nopFiles) DownloadURL(context.Context, string) (string, error) {
	return "", ErrNotFound
}

func (nopFiles) Download(context.Context, string, string) (*DownloadResult, error) {
	return nil, ErrTransport
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Primary())

	require.NoError(t, r.Register(&Backend{Name: "rclone", Files: nopFiles{}}))
	require.NoError(t, r.Register(&Backend{Name: "http", Files: nopFiles{}}))
	assert.Error(t, r.Register(&Backend{Name: "http", Files: nopFiles{}}))
	assert.Error(t, r.Register(&Backend{Name: "empty"}))

	assert.Equal(t, "rclone", r.Primary().Name)
	assert.Equal(t, []string{"http", "rclone"}, r.Names())

	require.NoError(t, r.SetPrimary("http"))
	assert.Equal(t, "http", r.Primary().Name)
	assert.Error(t, r.SetPrimary("missing"))

	_, ok := r.Get("rclone")
	assert.True(t, ok)
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&Error{Op: "content", FileID: "f1", Kind: ErrTransport, Err: cause})

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "content f1")
}
