package config

import (
	"time"
)

// UpdateConfig carries everything the metadata core consumes from the
// client configuration: repository endpoints, transfer size caps, and
// compatibility toggles. Polling cadence is a hint for the caller, the
// core itself is pull-on-demand.
type UpdateConfig struct {
	DirectorServer string
	RepoServer     string

	// MetadataPath is a local cache hint for filesystem-backed storage.
	MetadataPath string

	// DisableKeyIDValidation accepts signatures whose keyid does not
	// match the computed hash of the key, for servers that predate
	// keyid hashing.
	DisableKeyIDValidation bool

	Polling    bool
	PollingSec uint64

	MaxRootRotations   int64
	RootMaxLength      int64
	TimestampMaxLength int64
	// SnapshotMaxLength and TargetsMaxLength bound the transfer when
	// the parent role does not declare a size.
	SnapshotMaxLength        int64
	TargetsMaxLength         int64
	DirectorTargetsMaxLength int64

	FetchTimeout time.Duration
}

// New creates an UpdateConfig instance with the default bounds
func New() *UpdateConfig {
	return &UpdateConfig{
		Polling:                  true,
		PollingSec:               10,
		MaxRootRotations:         1000,
		RootMaxLength:            64 * 1024,        // bytes
		TimestampMaxLength:       16 * 1024,        // bytes
		SnapshotMaxLength:        2 * 1024 * 1024,  // bytes
		TargetsMaxLength:         8 * 1024 * 1024,  // bytes
		DirectorTargetsMaxLength: 8 * 1024 * 1024,  // bytes
		FetchTimeout:             30 * time.Second,
	}
}
