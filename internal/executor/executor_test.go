package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/armada/internal/testutil"
)

func TestIsDangerous(t *testing.T) {
	tests := map[string]bool{
		"rm -rf /":            true,
		"RM -RF /tmp":         true,
		"mkfs.ext4 /dev/sda1": true,
		"nmap -sV 10.0.0.1":   false,
		"echo shutdown":       true,
		"curl http://x":       false,
	}
	for cmd, want := range tests {
		if got := IsDangerous(cmd); got != want {
			t.Errorf("IsDangerous(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestAllowlist(t *testing.T) {
	a, err := NewAllowlist("nmap", "python3*", " Nikto ")
	if err != nil {
		t.Fatalf("NewAllowlist() error = %v", err)
	}
	tests := map[string]bool{
		"nmap -sV x":           true,
		"RUN nmap x":           true,
		"/usr/bin/nmap x":      true,
		"python3.11 script.py": true,
		"nikto -h x":           true,
		"bash -c 'nmap'":       false,
		"":                     false,
		"nmapper x":            false,
	}
	for cmd, want := range tests {
		if got := a.Allowed(cmd); got != want {
			t.Errorf("Allowed(%q) = %v, want %v", cmd, got, want)
		}
	}

	var nilList *Allowlist
	if !nilList.Allowed("anything") {
		t.Error("nil allowlist should allow everything")
	}
	if _, err := NewAllowlist("[unclosed"); err == nil {
		t.Error("NewAllowlist(bad pattern) error = nil, want error")
	}
}

func TestDefaultAllowlist(t *testing.T) {
	a := DefaultAllowlist()
	for _, cmd := range []string{"nmap x", "nikto -h x", "echo hi", "curl -I x"} {
		if !a.Allowed(cmd) {
			t.Errorf("default allowlist rejects %q", cmd)
		}
	}
	if a.Allowed("bash -i") {
		t.Error("default allowlist allows bash")
	}
}

func TestCategory(t *testing.T) {
	tests := map[string]string{
		"nmap":    "network_recon",
		"NIKTO":   "web_scanning",
		"hydra":   "exploitation",
		"unknown": "unknown",
	}
	for tool, want := range tests {
		if got := Category(tool); got != want {
			t.Errorf("Category(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestShell_Execute(t *testing.T) {
	testutil.SkipIfNoShell(t, DefaultShell)
	s := NewShell(WithAllowlist(nil))

	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"stdout", "RUN echo hello", "hello\n"},
		{"stderr only", "echo oops 1>&2", "Output:\n\n\nErrors:\noops\n"},
		{"exit without output", "exit 3", "exit status 3 with no output"},
		{"blank", "RUN   ", "no command given"},
		{"dangerous", "rm -rf /tmp/x", BlockedDangerous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Execute(context.Background(), tt.command)
			if got != tt.want {
				t.Errorf("Execute(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestShell_BlockedTool(t *testing.T) {
	a, _ := NewAllowlist("nmap")
	s := NewShell(WithAllowlist(a))

	got := s.Execute(context.Background(), "RUN curl http://x")
	if !strings.HasPrefix(got, BlockedTool) || !strings.HasSuffix(got, "curl") {
		t.Errorf("Execute() = %q, want blocked curl", got)
	}
}

func TestShell_Timeout(t *testing.T) {
	testutil.SkipIfNoShell(t, DefaultShell)
	s := NewShell(WithAllowlist(nil), WithTimeout(100*time.Millisecond))

	start := time.Now()
	got := s.Execute(context.Background(), "sleep 5")
	if !strings.Contains(got, "timed out") {
		t.Errorf("Execute() = %q, want timeout", got)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Execute took %v, timeout not enforced", elapsed)
	}
}

func TestShell_Cancelled(t *testing.T) {
	testutil.SkipIfNoShell(t, DefaultShell)
	s := NewShell(WithAllowlist(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := s.Execute(ctx, "echo hi"); got != "command cancelled" {
		t.Errorf("Execute() = %q, want cancelled", got)
	}
}

func TestShell_MaxOutput(t *testing.T) {
	testutil.SkipIfNoShell(t, DefaultShell)
	s := NewShell(WithAllowlist(nil), WithMaxOutput(4))
	if got := s.Execute(context.Background(), "echo abcdefgh"); got != "abcd" {
		t.Errorf("Execute() = %q, want %q", got, "abcd")
	}
}

func TestShell_Transcript(t *testing.T) {
	testutil.SkipIfNoShell(t, DefaultShell)
	dir := t.TempDir()
	s := NewShell(WithAllowlist(nil), WithLogDir(dir))
	s.Execute(context.Background(), "echo logged")

	data, err := os.ReadFile(filepath.Join(dir, "exec_0001.log"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "Command: echo logged") || !strings.Contains(string(data), "logged") {
		t.Errorf("transcript = %q", data)
	}
}

func TestShell_PTY(t *testing.T) {
	testutil.SkipIfNoShell(t, DefaultShell)
	s := NewShell(WithAllowlist(nil), WithPTY(true))
	got := s.Execute(context.Background(), "test -t 1 && echo tty")
	if !strings.Contains(got, "tty") {
		t.Skipf("pty unavailable in this environment: %q", got)
	}
}

func TestFunc(t *testing.T) {
	var e Executor = Func(func(_ context.Context, cmd string) string { return "ran " + cmd })
	if got := e.Execute(context.Background(), "x"); got != "ran x" {
		t.Errorf("Execute() = %q", got)
	}
}
