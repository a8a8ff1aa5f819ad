package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentim/agentim/pkg/protocol"
)

// ErrOutsideRoot rejects browse paths that resolve outside the agent's
// working directory, whether by dot-dot segments or by symlinks.
var ErrOutsideRoot = errors.New("path is outside the workspace")

const (
	// defaultReadLimit applies when the request carries no maxBytes.
	// maxReadLimit clamps requests above it: the content travels in a
	// single gateway frame and must fit the broker's read limit.
	defaultReadLimit = 64 * 1024
	maxReadLimit     = 128 * 1024
)

// ListDir lists the entries of sub, relative to root, sorted by name.
func ListDir(root, sub string) ([]protocol.DirEntry, error) {
	path, err := resolve(root, sub)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := protocol.DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				de.Size = info.Size()
			}
		}
		out = append(out, de)
	}
	return out, nil
}

// ReadFile returns up to maxBytes of sub's content and whether the
// file was truncated at that bound.
func ReadFile(root, sub string, maxBytes int64) (string, bool, error) {
	path, err := resolve(root, sub)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%s is a directory", sub)
	}
	switch {
	case maxBytes <= 0:
		maxBytes = defaultReadLimit
	case maxBytes > maxReadLimit:
		maxBytes = maxReadLimit
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", false, err
	}
	return string(buf[:n]), info.Size() > int64(n), nil
}

// resolve joins sub onto root and verifies the result stays inside it.
// Both the lexical join and the symlink-resolved path are checked, so
// neither dot-dot hops nor links pointing out of the tree escape.
func resolve(root, sub string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", err
	}
	sub = strings.TrimSpace(sub)
	if sub == "" || sub == "." {
		return rootReal, nil
	}
	if filepath.IsAbs(sub) {
		return "", ErrOutsideRoot
	}
	target := filepath.Clean(filepath.Join(rootReal, sub))
	if !inside(target, rootReal) {
		return "", ErrOutsideRoot
	}
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", err
	}
	if !inside(real, rootReal) {
		return "", ErrOutsideRoot
	}
	return real, nil
}

func inside(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
