package rclone

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudfs/cloudsync/internal/remote"
)

func TestClassify(t *testing.T) {
	exit := errors.New("exit status 3")

	tests := []struct {
		stderr string
		want   error
	}{
		{"ERROR : docs/a.txt: object not found", remote.ErrNotFound},
		{"directory doesn't exist", remote.ErrNotFound},
		{"googleapi: Error 401: Invalid Credentials", remote.ErrAuth},
		{"couldn't fetch token - maybe it has expired?", remote.ErrAuth},
		{"dial tcp: i/o timeout", remote.ErrTransport},
	}

	for _, tt := range tests {
		err := classify("content", "docs/a.txt", exit, []byte(tt.stderr))
		assert.ErrorIs(t, err, tt.want, tt.stderr)
		assert.ErrorIs(t, err, exit)
	}
}

func TestFullPath(t *testing.T) {
	assert.Equal(t, "gdrive:docs/a.txt", NewFileAPI("gdrive:", "").fullPath("docs/a.txt"))
	assert.Equal(t, "s3:bucket/docs/a.txt", NewFileAPI("s3:bucket", "").fullPath("docs/a.txt"))
}
