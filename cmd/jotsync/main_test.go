package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/jotsync/jotsync/internal/config"
	"github.com/jotsync/jotsync/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	require.Equal(t, version.Detailed(), strings.TrimSpace(out))
}

func TestInit_WritesConfigWithoutSecrets(t *testing.T) {
	target := t.TempDir()
	p := newProfile(t, "clienta", target)

	out := p.mustRun(t, "init")
	assert.Contains(t, out, "config written")

	cfg, err := config.LoadFromFile(filepath.Join(p.dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, config.TargetFilesystem, cfg.Target.Type)
	assert.Equal(t, target, cfg.Target.Path)
	assert.Equal(t, "clienta", cfg.ClientID)

	// the written file alone is enough to open the profile
	out, err = runCLI(t,
		"--config", filepath.Join(p.dir, "config.json"),
		"--log-file", filepath.Join(p.dir, "logs", "jotsync.log"),
		"info")
	require.NoError(t, err, out)
	assert.Contains(t, out, target)
	assert.Contains(t, out, "clienta")
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	target := t.TempDir()
	t.Setenv("JOTSYNC_PROFILE_DIR", dir)
	t.Setenv("JOTSYNC_CLIENT_ID", "envclient")
	t.Setenv("JOTSYNC_TARGET_TYPE", "filesystem")
	t.Setenv("JOTSYNC_TARGET_PATH", target)

	out, err := runCLI(t,
		"--config", filepath.Join(dir, "config.json"),
		"--log-file", filepath.Join(dir, "jotsync.log"),
		"sync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "sync completed")
	assert.FileExists(t, filepath.Join(target, "info.json"))
}

func TestNotesSyncBetweenProfiles(t *testing.T) {
	target := t.TempDir()
	a := newProfile(t, "clienta", target)
	b := newProfile(t, "clientb", target)

	folderID := strings.TrimSpace(a.mustRun(t, "folder", "add", "Work"))
	require.Len(t, folderID, 32)
	noteID := strings.TrimSpace(a.mustRun(t, "note", "add", "Standup", "--folder", folderID[:6], "--body", "ship it"))
	require.Len(t, noteID, 32)

	ls := a.mustRun(t, "note", "ls")
	assert.Contains(t, ls, "Standup")
	assert.Contains(t, ls, "Work")

	out := a.mustRun(t, "sync")
	assert.Contains(t, out, "remote +2 ~0 -0")

	out = b.mustRun(t, "sync")
	assert.Contains(t, out, "local  +2 ~0 -0")
	assert.Contains(t, b.mustRun(t, "note", "show", noteID[:8]), "ship it")

	b.mustRun(t, "note", "edit", noteID, "--title", "Standup notes")
	b.mustRun(t, "sync")
	a.mustRun(t, "sync")
	assert.Contains(t, a.mustRun(t, "note", "ls", "--folder", folderID), "Standup notes")

	a.mustRun(t, "note", "rm", noteID)
	a.mustRun(t, "sync")
	b.mustRun(t, "sync")
	assert.Contains(t, b.mustRun(t, "note", "ls"), "(none)")
	assert.Contains(t, b.mustRun(t, "conflicts"), "(none)")
}

func TestNoteAttach(t *testing.T) {
	p := newProfile(t, "clienta", t.TempDir())
	noteID := strings.TrimSpace(p.mustRun(t, "note", "add", "Receipts"))

	file := filepath.Join(t.TempDir(), "scan.txt")
	require.NoError(t, writeFile(file, "total 42"))

	out := p.mustRun(t, "note", "attach", noteID, file)
	resID := strings.Fields(out)[0]
	assert.Contains(t, p.mustRun(t, "note", "show", noteID), "[scan.txt](:/"+resID+")")

	out = p.mustRun(t, "sync")
	assert.Contains(t, out, "remote +2 ~0 -0")
}

func TestCommandErrors(t *testing.T) {
	p := newProfile(t, "clienta", t.TempDir())
	noteID := strings.TrimSpace(p.mustRun(t, "note", "add", "Draft"))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"edit without changes", []string{"note", "edit", noteID}, "nothing to change"},
		{"unknown note", []string{"note", "show", "ffffffff"}, "not found"},
		{"clear without confirmation", []string{"target", "clear"}, "--yes"},
		{"enable e2ee without password", []string{"e2ee", "enable"}, "JOTSYNC_MASTER_PASSWORD"},
		{"watch without interval", []string{"sync", "--watch"}, "--interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTargetClear(t *testing.T) {
	p := newProfile(t, "clienta", t.TempDir())
	p.mustRun(t, "note", "add", "One")
	p.mustRun(t, "sync")

	assert.Contains(t, p.mustRun(t, "target", "clear", "--yes"), "target cleared")
	assert.Contains(t, p.mustRun(t, "sync"), "remote +1 ~0 -0")
}

func TestLocks_NoneAfterSync(t *testing.T) {
	p := newProfile(t, "clienta", t.TempDir())
	p.mustRun(t, "sync")

	out := p.mustRun(t, "locks", "--clear-stale")
	assert.Contains(t, out, "removed 0 stale locks")
	assert.Contains(t, out, "(none)")
}

func TestE2EE(t *testing.T) {
	t.Setenv("JOTSYNC_MASTER_PASSWORD", "correct horse")
	p := newProfile(t, "clienta", t.TempDir())
	p.mustRun(t, "note", "add", "Secret")

	assert.Contains(t, p.mustRun(t, "e2ee", "enable"), "encryption enabled")
	p.mustRun(t, "sync")

	out := p.mustRun(t, "e2ee", "status")
	assert.Regexp(t, `enabled:\s+true`, out)
	assert.Regexp(t, `unlocked:\s+yes`, out)
}
