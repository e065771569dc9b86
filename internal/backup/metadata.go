package backup

import "time"

// DatabaseMetadata describes one SQLite file captured in a backup
// archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupMetadata is written as backup-metadata.json inside every backup
// archive, so a restore can validate what it staged before applying it.
type BackupMetadata struct {
	Timestamp      time.Time          `json:"timestamp"`
	Version        string             `json:"version"`
	RuntimeVersion string             `json:"runtime_version"`
	Databases      []DatabaseMetadata `json:"databases"`
}

// Info describes one backup object available in the remote bucket,
// as surfaced by Service.List.
type Info struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}
