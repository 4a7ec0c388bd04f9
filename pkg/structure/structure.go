// Package structure manipulates the nested file-tree snapshot that the
// coordinator, structurer, and UI agree on. A tree maps path segments to
// subtrees; a nil value marks a file leaf.
package structure

import (
	"path"
	"sort"
	"strings"

	"conductor/pkg/proto"
)

// Extensions that get a tester subtask. Everything gets documentation.
var testableExtensions = []string{".py", ".js", ".ts", ".java", ".cpp", ".go", ".rs", ".php"}

var nameSanitizer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeName rewrites characters that cannot appear in a file or directory
// name to underscores and trims surrounding whitespace. Returns "" for names
// that sanitize away entirely; callers skip those.
func SanitizeName(name string) string {
	return strings.TrimSpace(nameSanitizer.Replace(name))
}

// sanitizeSegment guards extracted path segments against traversal. Mirrors
// Files below; materialization goes through SanitizeName instead.
func sanitizeSegment(segment string) string {
	return strings.TrimSpace(strings.ReplaceAll(segment, "..", "_"))
}

// Files returns every file path in the tree, sorted. Path segments are
// traversal-sanitized; empty segments are skipped.
func Files(tree proto.Tree) []string {
	var out []string
	collectFiles(tree, "", &out)
	sort.Strings(out)
	return out
}

func collectFiles(node proto.Tree, prefix string, out *[]string) {
	for key, value := range node {
		segment := sanitizeSegment(key)
		if segment == "" {
			continue
		}
		path := segment
		if prefix != "" {
			path = prefix + "/" + segment
		}
		if value == nil {
			*out = append(*out, path)
			continue
		}
		collectFiles(value, path, out)
	}
}

// CountFiles returns the number of file leaves in the tree.
func CountFiles(tree proto.Tree) int {
	return len(Files(tree))
}

// FromPaths builds a tree from slash-separated file paths.
func FromPaths(paths []string) proto.Tree {
	tree := proto.Tree{}
	for _, path := range paths {
		Insert(tree, path)
	}
	return tree
}

// Insert adds a file leaf at the slash-separated path, creating intermediate
// directories. A file leaf in the way of a directory segment is promoted to
// a directory.
func Insert(tree proto.Tree, path string) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return
	}
	node := tree
	for _, segment := range segments[:len(segments)-1] {
		child := node[segment]
		if child == nil {
			child = proto.Tree{}
			node[segment] = child
		}
		node = child
	}
	leaf := segments[len(segments)-1]
	if _, exists := node[leaf]; !exists {
		node[leaf] = nil
	}
}

// Contains reports whether the path exists in the tree as a file leaf.
func Contains(tree proto.Tree, path string) bool {
	segments := splitPath(path)
	if len(segments) == 0 {
		return false
	}
	node := tree
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment]
		if !ok || child == nil {
			return false
		}
		node = child
	}
	value, ok := node[segments[len(segments)-1]]
	return ok && value == nil
}

func splitPath(path string) []string {
	var segments []string
	for _, raw := range strings.Split(path, "/") {
		segment := sanitizeSegment(raw)
		if segment == "" {
			continue
		}
		segments = append(segments, segment)
	}
	return segments
}

// Clone returns a deep copy. Snapshots handed to subscribers must not alias
// the live tree.
func Clone(tree proto.Tree) proto.Tree {
	if tree == nil {
		return nil
	}
	out := make(proto.Tree, len(tree))
	for key, value := range tree {
		if value == nil {
			out[key] = nil
			continue
		}
		out[key] = Clone(value)
	}
	return out
}

// Equal reports whether two trees describe the same files and directories.
func Equal(a, b proto.Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok {
			return false
		}
		if (av == nil) != (bv == nil) {
			return false
		}
		if av != nil && !Equal(av, bv) {
			return false
		}
	}
	return true
}

// IsTestable reports whether a file should get a tester subtask, judged by
// extension.
func IsTestable(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range testableExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// TestPath returns where a test payload for the given source file is
// persisted: under tests/, with _test inserted before the extension.
// main.py maps to tests/main_test.py; a path already under tests/ stays
// there.
func TestPath(filename string) string {
	dir, name := path.Split(filename)
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx] + "_test" + name[idx:]
	} else {
		name += "_test"
	}
	derived := dir + name
	if strings.HasPrefix(derived, "tests/") {
		return derived
	}
	return "tests/" + derived
}
