// Package pathutil provides home-directory expansion, the project-directory
// encoding scheme used by kind-A's on-disk history layout, and git-root
// resolution for working directories supervised by the daemon.
package pathutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// Expand resolves a leading "~" to the current user's home directory.
// Paths without a leading "~" are returned unchanged.
func Expand(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err, "resolving home directory")
	}

	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// EncodeProjectDir encodes a working directory as kind-A encodes it in its
// "projects" directory name: every path separator is replaced with a dash.
//
//	/home/user/code/app -> -home-user-code-app
func EncodeProjectDir(dir string) string {
	dir = filepath.ToSlash(dir)
	return strings.ReplaceAll(dir, "/", "-")
}

// separators are tried, in order, at every segment boundary when reversing
// EncodeProjectDir. kind-A's encoding is lossy: a dash in the original path
// is indistinguishable from a path separator, so decoding must search.
var separators = []string{"/", ".", "-", "_"}

// DecodeProjectDir reverses EncodeProjectDir by recursively trying each
// candidate separator at every dash boundary until a path that exists on
// disk is found. If no candidate exists, the default ("/") substitution is
// returned so callers always get a best-effort answer.
func DecodeProjectDir(encoded string) string {
	segments := strings.Split(strings.TrimPrefix(encoded, "-"), "-")
	if len(segments) == 0 {
		return encoded
	}

	if found, ok := resolveSegments(segments); ok {
		return found
	}
	return "/" + strings.Join(segments, "/")
}

// resolveSegments tries every combination of separators between segments,
// preferring "/" first, and returns the first candidate that exists.
func resolveSegments(segments []string) (string, bool) {
	var build func(i int, prefix string) (string, bool)
	build = func(i int, prefix string) (string, bool) {
		if i == len(segments) {
			if _, err := os.Stat(prefix); err == nil {
				return prefix, true
			}
			return "", false
		}
		for _, sep := range separators {
			next := prefix
			if i == 0 {
				next = "/" + segments[i]
			} else {
				next = prefix + sep + segments[i]
			}
			if found, ok := build(i+1, next); ok {
				return found, true
			}
		}
		return "", false
	}
	return build(0, "")
}

// GitRoot returns the top-level directory of the git repository containing
// dir, or "" if dir is not inside a git work tree.
func GitRoot(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// GitBranch returns the current branch name for dir, or "" if dir is not
// inside a git work tree or is in a detached-HEAD state with no symbolic name.
func GitBranch(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		return ""
	}
	return branch
}
