package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/agentim/agentim/pkg/protocol"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=probe", "GIT_AUTHOR_EMAIL=probe@test.invalid",
		"GIT_COMMITTER_NAME=probe", "GIT_COMMITTER_EMAIL=probe@test.invalid",
		"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_SYSTEM=/dev/null",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init", "-q")
	mustGit(t, dir, "checkout", "-q", "-b", "main")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProbeOutsideRepoReturnsNil(t *testing.T) {
	gitOrSkip(t)
	status, err := Probe(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status != nil {
		t.Fatalf("status = %+v, want nil outside a repo", status)
	}
}

func TestProbeReportsChanges(t *testing.T) {
	gitOrSkip(t)
	dir := initRepo(t)
	writeFile(t, dir, "a.txt", "one\n")
	mustGit(t, dir, "add", "a.txt")
	mustGit(t, dir, "commit", "-q", "-m", "initial")

	writeFile(t, dir, "a.txt", "one\ntwo\nthree\n")
	writeFile(t, dir, "b.txt", "new\n")

	status, err := Probe(context.Background(), dir)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status == nil {
		t.Fatal("status = nil inside a repo")
	}
	if status.Branch != "main" {
		t.Errorf("Branch = %q, want main", status.Branch)
	}
	if status.Summary.FilesChanged != 2 {
		t.Errorf("FilesChanged = %d, want 2", status.Summary.FilesChanged)
	}
	byPath := make(map[string]protocol.ChangedFile)
	for _, f := range status.ChangedFiles {
		byPath[f.Path] = f
	}
	if f, ok := byPath["a.txt"]; !ok || f.Status != protocol.FileModified {
		t.Errorf("a.txt = %+v, want modified", f)
	} else if f.Additions != 2 {
		t.Errorf("a.txt additions = %d, want 2", f.Additions)
	}
	if f, ok := byPath["b.txt"]; !ok || f.Status != protocol.FileUntracked {
		t.Errorf("b.txt = %+v, want untracked", f)
	}
	if status.Summary.Additions != 2 || status.Summary.Deletions != 0 {
		t.Errorf("Summary = %+v, want 2 additions, 0 deletions", status.Summary)
	}
	if len(status.RecentCommits) != 1 || status.RecentCommits[0].Message != "initial" {
		t.Errorf("RecentCommits = %+v, want one 'initial'", status.RecentCommits)
	}
}

func TestProbeToleratesRepoWithoutCommits(t *testing.T) {
	gitOrSkip(t)
	dir := initRepo(t)
	writeFile(t, dir, "todo.md", "soon\n")

	status, err := Probe(context.Background(), dir)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status == nil {
		t.Fatal("status = nil for a fresh repo")
	}
	if len(status.ChangedFiles) != 1 || status.ChangedFiles[0].Status != protocol.FileUntracked {
		t.Errorf("ChangedFiles = %+v, want one untracked entry", status.ChangedFiles)
	}
	if len(status.RecentCommits) != 0 {
		t.Errorf("RecentCommits = %+v, want none", status.RecentCommits)
	}
}

func TestParsePorcelainV2(t *testing.T) {
	const out = "1 .M N... 100644 100644 100644 aaa bbb a.txt\n" +
		"1 A. N... 000000 100644 100644 000 ccc fresh.go\n" +
		"1 .D N... 100644 100644 000000 ddd eee gone.go\n" +
		"2 R. N... 100644 100644 100644 fff ggg R100 new.txt\told.txt\n" +
		"u UU N... 100644 100644 100644 100644 h1 h2 h3 conflicted.txt\n" +
		"? todo.md\n"

	files := parsePorcelainV2(out)
	want := map[string]string{
		"a.txt":          protocol.FileModified,
		"fresh.go":       protocol.FileAdded,
		"gone.go":        protocol.FileDeleted,
		"new.txt":        protocol.FileRenamed,
		"conflicted.txt": protocol.FileModified,
		"todo.md":        protocol.FileUntracked,
	}
	if len(files) != len(want) {
		t.Fatalf("parsed %d files, want %d: %+v", len(files), len(want), files)
	}
	for _, f := range files {
		if want[f.Path] != f.Status {
			t.Errorf("%s status = %q, want %q", f.Path, f.Status, want[f.Path])
		}
	}
}

func TestParseNumstatSkipsBinary(t *testing.T) {
	const out = "3\t1\ta.txt\n-\t-\tlogo.png\n10\t0\tsrc/main.go\n"
	counts := parseNumstat(out)
	if len(counts) != 2 {
		t.Fatalf("parsed %d entries, want 2: %v", len(counts), counts)
	}
	if c := counts["a.txt"]; c != [2]int{3, 1} {
		t.Errorf("a.txt = %v, want [3 1]", c)
	}
	if c := counts["src/main.go"]; c != [2]int{10, 0} {
		t.Errorf("src/main.go = %v, want [10 0]", c)
	}
}

func TestParseLog(t *testing.T) {
	commits := parseLog("abc123\tfix the build\ndef456\tadd feature\n")
	if len(commits) != 2 {
		t.Fatalf("parsed %d commits, want 2", len(commits))
	}
	if commits[0].Hash != "abc123" || commits[0].Message != "fix the build" {
		t.Errorf("first commit = %+v", commits[0])
	}
}
