package logx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentEntriesCapturesLogs(t *testing.T) {
	logger := NewLogger("logx-test")
	logger.Info("hello %s", "world")

	entries := RecentEntries("logx-test", time.Time{})
	require.NotEmpty(t, entries)

	last := entries[len(entries)-1]
	assert.Equal(t, "logx-test", last.Component)
	assert.Equal(t, "INFO", last.Level)
	assert.Equal(t, "hello world", last.Message)
}

func TestRecentEntriesComponentFilter(t *testing.T) {
	NewLogger("component-a").Info("from a")
	NewLogger("component-b").Warn("from b")

	for _, e := range RecentEntries("component-a", time.Time{}) {
		assert.Equal(t, "component-a", e.Component)
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false)
	defer SetDebug(false)

	logger := NewLogger("debug-test")
	logger.Debug("should not appear")
	assert.Empty(t, RecentEntries("debug-test", time.Time{}))

	SetDebug(true)
	logger.Debug("now visible")
	entries := RecentEntries("debug-test", time.Time{})
	require.Len(t, entries, 1)
	assert.Equal(t, "DEBUG", entries[0].Level)
}

func TestBufferBounded(t *testing.T) {
	logger := NewLogger("bound-test")
	for i := 0; i < 1100; i++ {
		logger.Info("entry %d", i)
	}
	assert.LessOrEqual(t, len(RecentEntries("", time.Time{})), 1000)
}
