// Package workspace inspects an agent's working directory: a bounded
// git probe appended after each turn, plus the directory-listing and
// file-read primitives behind the browse endpoints.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentim/agentim/pkg/protocol"
)

// probeTimeout bounds the whole probe; a hung git (network filesystem,
// lock contention) must not stall the turn epilogue.
const probeTimeout = 15 * time.Second

const recentCommitCount = 5

// Probe collects the VCS status of dir. It returns (nil, nil) when dir
// is not inside a git work tree or git is not installed; the caller
// treats a nil status as "nothing to report" and completes the turn.
func Probe(ctx context.Context, dir string) (*protocol.WorkspaceStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if _, err := exec.LookPath("git"); err != nil {
		return nil, nil
	}
	out, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(out) != "true" {
		return nil, nil
	}

	var (
		branch  string
		files   []protocol.ChangedFile
		counts  map[string][2]int
		commits []protocol.CommitInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Fails on a repo with no commits; the probe still reports
		// untracked files there, so swallow it.
		if out, err := runGit(gctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			branch = strings.TrimSpace(out)
		}
		return nil
	})
	g.Go(func() error {
		out, err := runGit(gctx, dir, "status", "--porcelain=v2")
		if err != nil {
			return err
		}
		files = parsePorcelainV2(out)
		return nil
	})
	g.Go(func() error {
		if out, err := runGit(gctx, dir, "diff", "--numstat", "HEAD"); err == nil {
			counts = parseNumstat(out)
		}
		return nil
	})
	g.Go(func() error {
		if out, err := runGit(gctx, dir, "log", "-"+strconv.Itoa(recentCommitCount), "--pretty=format:%h%x09%s"); err == nil {
			commits = parseLog(out)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	status := &protocol.WorkspaceStatus{
		Branch:        branch,
		ChangedFiles:  files,
		RecentCommits: commits,
	}
	for i := range status.ChangedFiles {
		f := &status.ChangedFiles[i]
		if c, ok := counts[f.Path]; ok {
			f.Additions, f.Deletions = c[0], c[1]
		}
		status.Summary.Additions += f.Additions
		status.Summary.Deletions += f.Deletions
	}
	status.Summary.FilesChanged = len(status.ChangedFiles)
	return status, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out", args[0])
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// parsePorcelainV2 maps `git status --porcelain=v2` lines to changed
// files. Line shapes (git-status(1)): "1" ordinary change, "2" rename
// or copy, "u" unmerged, "?" untracked.
func parsePorcelainV2(out string) []protocol.ChangedFile {
	files := make([]protocol.ChangedFile, 0, 8)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		switch line[0] {
		case '1':
			fields := strings.SplitN(line, " ", 9)
			if len(fields) == 9 {
				files = append(files, protocol.ChangedFile{Path: fields[8], Status: xyStatus(fields[1])})
			}
		case '2':
			fields := strings.SplitN(line, " ", 10)
			if len(fields) == 10 {
				// The new path precedes the tab-separated origin.
				path := fields[9]
				if i := strings.IndexByte(path, '\t'); i >= 0 {
					path = path[:i]
				}
				files = append(files, protocol.ChangedFile{Path: path, Status: protocol.FileRenamed})
			}
		case 'u':
			fields := strings.SplitN(line, " ", 11)
			if len(fields) == 11 {
				files = append(files, protocol.ChangedFile{Path: fields[10], Status: protocol.FileModified})
			}
		case '?':
			if len(line) > 2 {
				files = append(files, protocol.ChangedFile{Path: line[2:], Status: protocol.FileUntracked})
			}
		}
	}
	return files
}

// xyStatus reduces the two-character staged/unstaged pair to a single
// display status. Either column counts; adds win over edits so a file
// staged as new but already retouched still reads "added".
func xyStatus(xy string) string {
	switch {
	case strings.ContainsRune(xy, 'A'):
		return protocol.FileAdded
	case strings.ContainsRune(xy, 'D'):
		return protocol.FileDeleted
	case strings.ContainsRune(xy, 'R'):
		return protocol.FileRenamed
	default:
		return protocol.FileModified
	}
}

// parseNumstat reads `git diff --numstat` into path → {adds, dels}.
// Binary files report "-" counts and are skipped.
func parseNumstat(out string) map[string][2]int {
	counts := make(map[string][2]int)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		add, err1 := strconv.Atoi(fields[0])
		del, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		counts[fields[2]] = [2]int{add, del}
	}
	return counts
}

func parseLog(out string) []protocol.CommitInfo {
	var commits []protocol.CommitInfo
	for _, line := range strings.Split(out, "\n") {
		hash, msg, ok := strings.Cut(line, "\t")
		if !ok || hash == "" {
			continue
		}
		commits = append(commits, protocol.CommitInfo{Hash: hash, Message: msg})
	}
	return commits
}
