package types

import "time"

// EntryType distinguishes files from directories in the file store.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// FileEntry mirrors one path inside the workspace.
type FileEntry struct {
	Path    string    `json:"path"`
	Type    EntryType `json:"type"`
	Content string    `json:"content,omitempty"`
	Size    int64     `json:"size"`
}

// FileInfo provides detailed information about a file on the sandbox filesystem.
type FileInfo struct {
	Name    string `json:"name"`
	IsDir   bool   `json:"isDir"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime string `json:"modTime"`
	Path    string `json:"path"`
}

// SnapshotResult describes an uploaded workspace snapshot.
type SnapshotResult struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"sizeBytes"`
	Files     int    `json:"files"`
}

// SnapshotRestoreRequest selects a snapshot to restore.
type SnapshotRestoreRequest struct {
	Key string `json:"key"`
}

// SnapshotInfo describes a stored archive.
type SnapshotInfo struct {
	Key          string    `json:"key"`
	SizeBytes    int64     `json:"sizeBytes"`
	LastModified time.Time `json:"lastModified"`
}
