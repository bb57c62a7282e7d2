package file

import (
	"time"

	"github.com/google/uuid"
)

// FileArea defines a logical grouping or directory for files.
type FileArea struct {
	ID          int    `json:"id"`
	Tag         string `json:"tag"`  // e.g., "UTILS", "FSX_BBS" (unique, case-insensitive)
	Name        string `json:"name"` // e.g., "Utility Programs"
	Description string `json:"description"`
	Path        string `json:"path"` // relative to the file base root, e.g. "utils"

	// StorageTags maps a storage tag to a sub-directory of Path. The
	// empty tag always means Path itself.
	StorageTags map[string]string `json:"storage_tags,omitempty"`
	Hashtags    []string          `json:"hashtags,omitempty"`
}

// Record meta keys written by the TIC processor.
const (
	MetaTicOrigin   = "tic_origin"
	MetaTicArea     = "tic_area"
	MetaTicFromAddr = "tic_from"
)

// FileRecord holds metadata about a specific file within a FileArea.
type FileRecord struct {
	ID              uuid.UUID         `json:"id"`
	AreaID          int               `json:"area_id"`
	Filename        string            `json:"filename"` // basename on disk
	StorageTag      string            `json:"storage_tag,omitempty"`
	Description     string            `json:"description"`
	LongDescription string            `json:"long_description,omitempty"`
	Size            int64             `json:"size"`
	CRC32           string            `json:"crc32,omitempty"` // upper-case hex
	SHA256          string            `json:"sha256,omitempty"`
	ArchiveType     string            `json:"archive_type,omitempty"`
	UploadedAt      time.Time         `json:"uploaded_at"`
	UploadedBy      string            `json:"uploaded_by"`
	DownloadCount   int               `json:"download_count"`
	Hashtags        []string          `json:"hashtags,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
}
