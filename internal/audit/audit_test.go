package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(Options{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(EventDispatch, "run-1", "10.0.0.5", nil)
	assert.NoError(t, l.Close())
	assert.Equal(t, int64(-1), l.DroppedCount())
	assert.Empty(t, l.Path())
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventCommandExecuted, "run-1", "10.0.0.5", map[string]any{"transport": "winrm", "exitCode": 0})
	require.NoError(t, l.Close())

	entries, err := ReadFile(l.Path())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, EventCommandExecuted, e.EventType)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, "10.0.0.5", e.Host)
	assert.Equal(t, genesisHash, e.PrevHash)
	assert.NotEmpty(t, e.EntryHash)
	assert.Zero(t, l.DroppedCount())
}

func TestHashChainLinks(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventDispatch, "run-1", "h", nil)
	l.Log(EventCommandBlocked, "run-1", "h", map[string]any{"reason": "disk format command"})
	l.Log(EventCommandExecuted, "run-2", "h", map[string]any{"exitCode": 1})
	require.NoError(t, l.Close())

	entries, err := ReadFile(l.Path())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].EntryHash, entries[i].PrevHash)
	}
	assert.NoError(t, Verify(entries))
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventDispatch, "run-1", "h", map[string]any{"command": "Get-Service"})
	l.Log(EventCommandExecuted, "run-1", "h", nil)
	require.NoError(t, l.Close())

	entries, err := ReadFile(l.Path())
	require.NoError(t, err)
	entries[0].Details["command"] = "Stop-Computer"

	err = Verify(entries)
	var ce *ChainError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.Index)
}

func TestReopenContinuesChain(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Options{Dir: dir}, nil)
	require.NoError(t, err)
	l.Log(EventServiceStart, "", "", nil)
	require.NoError(t, l.Close())

	l2, err := NewLogger(Options{Dir: dir}, nil)
	require.NoError(t, err)
	l2.Log(EventServiceStop, "", "", nil)
	require.NoError(t, l2.Close())

	entries, err := ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(t, Verify(entries))
}

func TestRotationLinksAcrossFiles(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 400

	for i := 0; i < 6; i++ {
		l.Log(EventPatchStage, "run-1", "h", map[string]any{"stage": i})
	}
	require.NoError(t, l.Close())

	current, err := ReadFile(l.Path())
	require.NoError(t, err)
	require.NotEmpty(t, current)
	assert.Equal(t, EventLogRotated, current[0].EventType)

	previous, err := ReadFile(l.Path() + ".1")
	require.NoError(t, err)
	require.NotEmpty(t, previous)

	assert.Equal(t, previous[len(previous)-1].EntryHash, current[0].PrevHash)
	assert.NoError(t, Verify(append(previous, current...)))
}

func TestConcurrentLogging(t *testing.T) {
	l := newTestLogger(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Log(EventDispatch, "run", "h", map[string]any{"n": i})
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	entries, err := ReadFile(l.Path())
	require.NoError(t, err)
	assert.Len(t, entries, 20)
	assert.NoError(t, Verify(entries))
}

func TestReadFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	valid, _ := json.Marshal(Entry{EventType: "x"})
	require.NoError(t, os.WriteFile(path, append(append(valid, '\n'), []byte("{not json\n")...), 0o600))

	_, err := ReadFile(path)
	assert.ErrorContains(t, err, "line 2")
}
