package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudsim.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// ===== Tests =====

func TestRunCommandPrintsReport(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: error
workload:
  tasks: 25
  seed: 3
`)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--config", path, "--policy", "greedy", "--check", "--json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var report domain.Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("bad JSON: %v\n%s", err, out.String())
	}
	if report.Policy != "greedy" {
		t.Errorf("expected greedy, got %s", report.Policy)
	}
	if report.Arrived != 25 {
		t.Errorf("expected 25 arrivals, got %d", report.Arrived)
	}
	if report.Completed+report.Unplaced != 25 {
		t.Errorf("expected every task completed or unplaced, got %d + %d", report.Completed, report.Unplaced)
	}
	if report.ID == "" || report.Digest == "" {
		t.Errorf("expected a saved report with a digest, got %+v", report)
	}
}

func TestRunCommandSummary(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: error
workload:
  tasks: 10
`)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--config", path, "--policy", "eeco"})
	if err := root.Execute(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "SLA violation report") {
		t.Errorf("expected summary output, got:\n%s", out.String())
	}
}

func TestUnknownPolicyRejected(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", path, "--policy", "nope"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "Version: "+version) {
		t.Errorf("unexpected output %q", out.String())
	}
}
