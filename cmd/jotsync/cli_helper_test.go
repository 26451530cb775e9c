package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// profile is one jotsync profile syncing with a shared filesystem target.
type profile struct {
	dir      string
	clientID string
	target   string
}

func newProfile(t *testing.T, clientID, target string) *profile {
	t.Helper()
	return &profile{dir: t.TempDir(), clientID: clientID, target: target}
}

func (p *profile) args(args ...string) []string {
	return append([]string{
		"--config", filepath.Join(p.dir, "config.json"),
		"--profile", p.dir,
		"--log-file", filepath.Join(p.dir, "logs", "jotsync.log"),
		"--client-id", p.clientID,
		"--target", "filesystem",
		"--target-path", p.target,
	}, args...)
}

func (p *profile) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLI(t, p.args(args...)...)
}

func (p *profile) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := p.run(t, args...)
	if err != nil {
		t.Fatalf("jotsync %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// runCLI executes a fresh command tree in process.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	a := newApp()
	t.Cleanup(func() { _ = a.Close() })

	var out bytes.Buffer
	a.root.SetOut(&out)
	a.root.SetErr(&out)
	a.root.SetIn(strings.NewReader(""))
	a.root.SetArgs(args)

	err := a.root.ExecuteContext(context.Background())
	return stripANSI(out.String()), err
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
