package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"WARN", zap.NewAtomicLevelAt(zap.WarnLevel)},
	}
	for _, tt := range tests {
		l, err := New("production", tt.level)
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(tt.want.Level()))
		assert.False(t, l.Core().Enabled(tt.want.Level()-1))
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("development", "verbose")
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
