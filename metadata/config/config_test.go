package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, int64(1000), cfg.MaxRootRotations)
	assert.Equal(t, int64(64*1024), cfg.RootMaxLength)
	assert.Equal(t, int64(16*1024), cfg.TimestampMaxLength)
	assert.Equal(t, int64(2*1024*1024), cfg.SnapshotMaxLength)
	assert.Equal(t, int64(8*1024*1024), cfg.TargetsMaxLength)
	assert.Equal(t, int64(8*1024*1024), cfg.DirectorTargetsMaxLength)
	assert.False(t, cfg.DisableKeyIDValidation)
	assert.True(t, cfg.Polling)
}
