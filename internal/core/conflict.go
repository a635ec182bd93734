package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/cloudfs/cloudsync/internal/model"
)

// MergeSeparator sits between the local and remote halves of a merged file.
const MergeSeparator = "\n\n--- Remote Changes ---\n\n"

// LocalSnapshot is the local side handed to DetectConflict.
// ContentErr is set when the local content could not be read.
type LocalSnapshot struct {
	FileID       string
	Name         string
	Size         int64
	LastModified time.Time
	Content      *string
	ContentErr   error
}

// RemoteSnapshot is the remote side handed to DetectConflict.
type RemoteSnapshot struct {
	Name       string
	Size       int64
	UpdatedAt  time.Time
	Content    *string
	ContentErr error
}

// DetectConflict decides whether local and remote diverged.
//
// INVARIANTS:
// - Only a STRICTLY newer remote can conflict
// - A content read failure on either side counts as a content conflict
// - Pure: same inputs, same answer
//
// It returns nil when the remote is not newer or nothing differs.
func DetectConflict(local LocalSnapshot, remote RemoteSnapshot) *model.SyncConflict {
	if !remote.UpdatedAt.After(local.LastModified) {
		return nil
	}

	contentConflict := local.ContentErr != nil || remote.ContentErr != nil ||
		!equalContent(local.Content, remote.Content)
	metadataConflict := local.Name != remote.Name || local.Size != remote.Size

	var conflictType model.ConflictType
	switch {
	case contentConflict && metadataConflict:
		conflictType = model.ConflictTypeBoth
	case contentConflict:
		conflictType = model.ConflictTypeContent
	case metadataConflict:
		conflictType = model.ConflictTypeMetadata
	default:
		return nil
	}

	localSize, remoteSize := local.Size, remote.Size
	return &model.SyncConflict{
		FileID:       local.FileID,
		FileName:     local.Name,
		ConflictType: conflictType,
		LocalVersion: model.VersionInfo{
			Content:      local.Content,
			LastModified: local.LastModified,
			Size:         &localSize,
		},
		RemoteVersion: model.VersionInfo{
			Content:      remote.Content,
			LastModified: remote.UpdatedAt,
			Size:         &remoteSize,
		},
	}
}

// equalContent treats two missing contents as equal.
func equalContent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// MergeContent concatenates local then remote around MergeSeparator.
// This is a placeholder policy, not a three-way merge.
func MergeContent(local, remote string) string {
	return local + MergeSeparator + remote
}

// DiffConflict renders a line diff from the local to the remote version.
// Removed lines are prefixed with "-", added with "+", context with " ".
func DiffConflict(conflict *model.SyncConflict) string {
	if conflict == nil {
		return ""
	}

	local := derefString(conflict.LocalVersion.Content)
	remote := derefString(conflict.RemoteVersion.Content)

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(local, remote)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- local  (%s)\n", conflict.LocalVersion.LastModified.Format(time.RFC3339))
	fmt.Fprintf(&sb, "+++ remote (%s)\n", conflict.RemoteVersion.LastModified.Format(time.RFC3339))
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range splitLines(d.Text) {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
