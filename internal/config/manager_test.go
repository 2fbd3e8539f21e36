package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type eventLog struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (l *eventLog) handle(e ChangeEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) actions(file string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.File == file {
			out = append(out, e.Action)
		}
	}
	return out
}

func TestManagerInitialLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "general.yaml"), []byte("id: general\nthreshold: 60\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	log := &eventLog{}
	m.RegisterHandler(AnyFile, log.handle)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, []string{"initial_load"}, log.actions("general.yaml"))
	cfg, ok := m.GetConfig("general.yaml")
	require.True(t, ok)
	assert.Equal(t, "general", cfg["id"])
	assert.ElementsMatch(t, []string{"general.yaml"}, m.Files())
}

func TestManagerRejectedFileKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: good\n"), 0o644))

	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.RegisterValidator(AnyFile, func(file string, raw []byte) error {
		if string(raw) == "id: bad\n" {
			return errors.New("bad thesis")
		}
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, os.WriteFile(path, []byte("id: bad\n"), 0o644))
	err = m.ReloadConfig("t.yaml")
	require.Error(t, err)

	cfg, ok := m.GetConfig("t.yaml")
	require.True(t, ok)
	assert.Equal(t, "good", cfg["id"])
}

func TestManagerWatchesChanges(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	log := &eventLog{}
	m.RegisterHandler("late.yaml", log.handle)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.yaml"), []byte("id: late\n"), 0o644))
	assert.Eventually(t, func() bool {
		_, ok := m.GetConfig("late.yaml")
		return ok && len(log.actions("late.yaml")) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "late.yaml")))
	assert.Eventually(t, func() bool {
		_, ok := m.GetConfig("late.yaml")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, log.actions("late.yaml"), "delete")
}

func TestManagerPolicyReload(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	reloads := 0
	m.RegisterPolicyHandler(func() error {
		mu.Lock()
		defer mu.Unlock()
		reloads++
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "alerts.rego"), []byte("package diligence.alerts\n"), 0o644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewManagerRequiresDir(t *testing.T) {
	_, err := NewManager("", nil)
	assert.Error(t, err)
}
