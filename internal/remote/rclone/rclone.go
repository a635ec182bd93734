// Package rclone provides an rclone-backed remote file API.
// File IDs are paths relative to the configured remote (e.g. "gdrive:docs").
package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudfs/cloudsync/internal/remote"
)

// FileAPI implements remote.FileAPI and remote.DocumentAPI using the rclone CLI.
type FileAPI struct {
	remoteName string // rclone remote, e.g. "gdrive:" or "s3:bucket/prefix"
	configPath string
	binary     string
}

// NewFileAPI creates a new rclone-based file API.
func NewFileAPI(remoteName, configPath string) *FileAPI {
	return &FileAPI{
		remoteName: remoteName,
		configPath: configPath,
		binary:     "rclone",
	}
}

// Init verifies rclone is installed and the remote is configured.
func (f *FileAPI) Init(ctx context.Context) error {
	if _, err := exec.LookPath(f.binary); err != nil {
		return fmt.Errorf("rclone not found in PATH: %w", err)
	}

	output, err := f.rcloneCmd(ctx, "listremotes").Output()
	if err != nil {
		return fmt.Errorf("failed to list rclone remotes: %w", err)
	}

	name := f.remoteName
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i+1]
	}
	if !strings.Contains(string(output), name) {
		return fmt.Errorf("rclone remote '%s' not configured", f.remoteName)
	}

	return nil
}

type lsjsonItem struct {
	Path     string    `json:"Path"`
	Name     string    `json:"Name"`
	Size     int64     `json:"Size"`
	MimeType string    `json:"MimeType"`
	ModTime  time.Time `json:"ModTime"`
	IsDir    bool      `json:"IsDir"`
}

// GetFileMetadata stats the remote object.
func (f *FileAPI) GetFileMetadata(ctx context.Context, fileID string) (*remote.FileMetadata, error) {
	output, err := f.run(ctx, nil, "lsjson", "--stat", f.fullPath(fileID))
	if err != nil {
		return nil, classify("metadata", fileID, err, output)
	}

	var item lsjsonItem
	if err := json.Unmarshal(output, &item); err != nil {
		return nil, &remote.Error{Op: "metadata", FileID: fileID, Kind: remote.ErrTransport, Err: err}
	}
	if item.IsDir {
		return nil, &remote.Error{Op: "metadata", FileID: fileID, Kind: remote.ErrNotFound, Err: fmt.Errorf("is a directory")}
	}

	mimeType := item.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(item.Name))
	}

	return &remote.FileMetadata{
		ID:        fileID,
		Name:      item.Name,
		Size:      item.Size,
		MimeType:  mimeType,
		UpdatedAt: item.ModTime,
	}, nil
}

// GetFileContent streams the object with rclone cat.
func (f *FileAPI) GetFileContent(ctx context.Context, fileID string) (string, error) {
	output, err := f.run(ctx, nil, "cat", f.fullPath(fileID))
	if err != nil {
		return "", classify("content", fileID, err, output)
	}
	return string(output), nil
}

// UpdateFileContent uploads content from stdin with rclone rcat.
func (f *FileAPI) UpdateFileContent(ctx context.Context, fileID string, content string) error {
	output, err := f.run(ctx, strings.NewReader(content), "rcat", f.fullPath(fileID))
	if err != nil {
		return classify("update", fileID, err, output)
	}
	return nil
}

// DownloadURL returns the rclone path; Download understands it directly.
func (f *FileAPI) DownloadURL(ctx context.Context, fileID string) (string, error) {
	return f.fullPath(fileID), nil
}

// Download copies the remote object to localPath.
func (f *FileAPI) Download(ctx context.Context, url string, localPath string) (*remote.DownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	output, err := f.run(ctx, nil, "copyto", url, localPath)
	if err != nil {
		rerr := classify("download", url, err, output)
		status := 500
		if errors.Is(rerr, remote.ErrNotFound) {
			status = 404
		}
		return &remote.DownloadResult{LocalPath: localPath, StatusCode: status}, rerr
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat downloaded file: %w", err)
	}

	return &remote.DownloadResult{
		LocalPath:  localPath,
		StatusCode: 200,
		Size:       info.Size(),
	}, nil
}

// SaveDocumentContent stores a document body; documents are plain objects on rclone remotes.
func (f *FileAPI) SaveDocumentContent(ctx context.Context, documentID string, content string) error {
	return f.UpdateFileContent(ctx, documentID, content)
}

// UpdateDocumentTitle renames the object within its directory.
func (f *FileAPI) UpdateDocumentTitle(ctx context.Context, documentID string, title string) error {
	dst := path.Join(path.Dir(documentID), title)
	output, err := f.run(ctx, nil, "moveto", f.fullPath(documentID), f.fullPath(dst))
	if err != nil {
		return classify("rename", documentID, err, output)
	}
	return nil
}

func (f *FileAPI) fullPath(fileID string) string {
	if strings.HasSuffix(f.remoteName, ":") || strings.HasSuffix(f.remoteName, "/") {
		return f.remoteName + fileID
	}
	return f.remoteName + "/" + fileID
}

// run executes rclone and returns stdout, or stderr when it fails.
func (f *FileAPI) run(ctx context.Context, stdin *strings.Reader, args ...string) ([]byte, error) {
	cmd := f.rcloneCmd(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if err := cmd.Run(); err != nil {
		return stderr.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// rcloneCmd creates an rclone command with common flags.
func (f *FileAPI) rcloneCmd(ctx context.Context, args ...string) *exec.Cmd {
	allArgs := args
	if f.configPath != "" {
		allArgs = append([]string{"--config", f.configPath}, args...)
	}
	return exec.CommandContext(ctx, f.binary, allArgs...)
}

// classify maps rclone's stderr onto the remote failure classes.
func classify(op, fileID string, err error, stderr []byte) *remote.Error {
	msg := strings.ToLower(string(stderr))
	kind := remote.ErrTransport
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "doesn't exist"):
		kind = remote.ErrNotFound
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "token"):
		kind = remote.ErrAuth
	}
	return &remote.Error{Op: op, FileID: fileID, Kind: kind, Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(stderr)))}
}
