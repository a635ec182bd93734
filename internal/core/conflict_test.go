package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudsync/internal/model"
)

func ptr(s string) *string { return &s }

func TestDetectConflict(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	local := LocalSnapshot{FileID: "f1", Name: "a.txt", Size: 5, LastModified: older, Content: ptr("hello")}

	tests := []struct {
		name   string
		local  LocalSnapshot
		remote RemoteSnapshot
		want   model.ConflictType // empty means no conflict
	}{
		{
			name:   "remote not newer",
			local:  local,
			remote: RemoteSnapshot{Name: "b.txt", Size: 9, UpdatedAt: older, Content: ptr("different")},
		},
		{
			name:   "remote newer but identical",
			local:  local,
			remote: RemoteSnapshot{Name: "a.txt", Size: 5, UpdatedAt: newer, Content: ptr("hello")},
		},
		{
			name:   "content differs",
			local:  local,
			remote: RemoteSnapshot{Name: "a.txt", Size: 5, UpdatedAt: newer, Content: ptr("world")},
			want:   model.ConflictTypeContent,
		},
		{
			name:   "name differs",
			local:  local,
			remote: RemoteSnapshot{Name: "renamed.txt", Size: 5, UpdatedAt: newer, Content: ptr("hello")},
			want:   model.ConflictTypeMetadata,
		},
		{
			name:   "both differ",
			local:  local,
			remote: RemoteSnapshot{Name: "a.txt", Size: 11, UpdatedAt: newer, Content: ptr("hello world")},
			want:   model.ConflictTypeBoth,
		},
		{
			name:   "remote content unreadable",
			local:  local,
			remote: RemoteSnapshot{Name: "a.txt", Size: 5, UpdatedAt: newer, ContentErr: errors.New("timeout")},
			want:   model.ConflictTypeContent,
		},
		{
			name: "local content unreadable",
			local: LocalSnapshot{FileID: "f1", Name: "a.txt", Size: 5, LastModified: older,
				ContentErr: errors.New("gone")},
			remote: RemoteSnapshot{Name: "a.txt", Size: 5, UpdatedAt: newer, Content: ptr("hello")},
			want:   model.ConflictTypeContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectConflict(tt.local, tt.remote)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ConflictType)
			assert.Equal(t, "f1", got.FileID)
			assert.Equal(t, tt.remote.UpdatedAt, got.RemoteVersion.LastModified)

			// Same inputs, same answer.
			assert.Equal(t, got, DetectConflict(tt.local, tt.remote))
		})
	}
}

func TestMergeContent(t *testing.T) {
	assert.Equal(t, "A\n\n--- Remote Changes ---\n\nB", MergeContent("A", "B"))
	assert.Equal(t, MergeSeparator, MergeContent("", ""))
}

func TestDiffConflict(t *testing.T) {
	conflict := &model.SyncConflict{
		FileID:        "f1",
		LocalVersion:  model.VersionInfo{Content: ptr("a\nb\n")},
		RemoteVersion: model.VersionInfo{Content: ptr("a\nc\n")},
	}

	diff := DiffConflict(conflict)
	assert.Contains(t, diff, "--- local")
	assert.Contains(t, diff, "+++ remote")
	assert.Contains(t, diff, "\n a\n")
	assert.Contains(t, diff, "\n-b\n")
	assert.Contains(t, diff, "\n+c\n")

	assert.Empty(t, DiffConflict(nil))
}
