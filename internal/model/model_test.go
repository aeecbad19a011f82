package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobCancelled, true},
		{JobQueued, JobDone, false},
		{JobRunning, JobDone, true},
		{JobRunning, JobCancelled, true},
		{JobRunning, JobQueued, false},
		{JobDone, JobRunning, false},
		{JobCancelled, JobDone, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseJobMode(t *testing.T) {
	m, ok := ParseJobMode("print")
	assert.True(t, ok)
	assert.Equal(t, DirectPrint, m)

	m, ok = ParseJobMode("upload")
	assert.True(t, ok)
	assert.Equal(t, StoreOnly, m)

	_, ok = ParseJobMode("PRINT")
	assert.False(t, ok)
}

func TestSettings_Validate(t *testing.T) {
	assert.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.PollInterval = 10 * time.Millisecond
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.LayerHeight = 0
	assert.Error(t, s.Validate())
}

func TestHomed_All(t *testing.T) {
	assert.True(t, Homed{X: true, Y: true, Z: true}.All())
	assert.False(t, Homed{X: true, Y: true}.All())
}
