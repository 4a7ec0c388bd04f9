// Package gateway persists worker output into the working repository and
// answers reads over it. The structurer is the only writer; the web layer
// reads files and commit history through the same gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Path errors the web layer maps onto HTTP statuses.
var (
	// ErrUnsafePath marks a path that is empty or resolves outside the
	// repository.
	ErrUnsafePath = errors.New("unsafe path")
	// ErrIsDirectory marks a content read addressed at a directory.
	ErrIsDirectory = errors.New("path is a directory")
)

const gitignoreContent = `# Ignore OS-specific files
.DS_Store
# Ignore virtual environment files
venv/
.venv/
# Ignore IDE files
.idea/
.vscode/
# Ignore log files
logs/
*.log
`

// Extensions that are never worth decoding as text.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".tif": true, ".tiff": true,
	".mp3": true, ".wav": true, ".ogg": true, ".flac": true, ".aac": true,
	".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".mkv": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
	".bz2": true, ".xz": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".app": true,
	".dmg": true,
	".db": true, ".sqlite": true, ".mdb": true, ".accdb": true,
	".pyc": true, ".pyo": true, ".class": true, ".o": true, ".a": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
}

// BinaryMarker formats the read-back sentinel for binary files. The UI shows
// it in place of file content.
func BinaryMarker(path string) string {
	return fmt.Sprintf("[Binary file: %s]\nThis file type cannot be displayed as text.", filepath.Base(path))
}

// IsBinaryMarker reports whether content is a binary read-back sentinel.
func IsBinaryMarker(content string) bool {
	return strings.HasPrefix(content, "[Binary file: ")
}

// Gateway owns one working repository directory.
type Gateway struct {
	dir    string
	git    GitRunner
	logger *logx.Logger

	// Serializes mutations; reads of individual files do not take it.
	mu sync.Mutex
}

// New creates a gateway over dir using the system git binary.
func New(dir string) *Gateway {
	return NewWithRunner(dir, ExecGitRunner{})
}

// NewWithRunner creates a gateway with an injected git runner.
func NewWithRunner(dir string, git GitRunner) *Gateway {
	return &Gateway{
		dir:    dir,
		git:    git,
		logger: logx.NewLogger("gateway"),
	}
}

// Dir returns the working repository directory.
func (g *Gateway) Dir() string {
	return g.dir
}

// Init creates the working directory and initializes a git repository in it
// if one is not already present. A fresh repository gets a .gitignore as its
// first commit.
func (g *Gateway) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initLocked(ctx)
}

func (g *Gateway) initLocked(ctx context.Context) error {
	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}

	if _, err := os.Stat(filepath.Join(g.dir, ".git")); err == nil {
		g.logger.Debug("Opened existing repository at %s", g.dir)
		return nil
	}

	if _, err := g.git.Run(ctx, g.dir, "init"); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	// Commits need an identity even on hosts without a global git config.
	if _, err := g.git.Run(ctx, g.dir, "config", "user.name", "conductor"); err != nil {
		return fmt.Errorf("failed to set repository identity: %w", err)
	}
	if _, err := g.git.Run(ctx, g.dir, "config", "user.email", "conductor@localhost"); err != nil {
		return fmt.Errorf("failed to set repository identity: %w", err)
	}
	g.logger.Info("Initialized new repository at %s", g.dir)

	gitignorePath := filepath.Join(g.dir, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
		if _, err := g.git.Run(ctx, g.dir, "add", ".gitignore"); err != nil {
			g.logger.Warn("Failed to stage .gitignore: %v", err)
			return nil
		}
		if _, err := g.git.Run(ctx, g.dir, "commit", "-m", "Add .gitignore"); err != nil {
			g.logger.Warn("Failed to commit .gitignore: %v", err)
			return nil
		}
		g.logger.Info("Added .gitignore and committed")
	}
	return nil
}

// resolve maps a repository-relative path to an absolute one, rejecting
// paths that escape the working directory.
func (g *Gateway) resolve(rel string) (string, error) {
	if !SafeRelPath(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(g.dir, filepath.Clean(filepath.FromSlash(rel))), nil
}

// SafeRelPath reports whether rel names a path inside a repository:
// non-empty, relative, and free of parent traversal. The web layer uses
// it to vet filenames before they enter the pipeline.
func SafeRelPath(rel string) bool {
	if strings.TrimSpace(rel) == "" {
		return false
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	return !filepath.IsAbs(clean) && clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// Write stores payload at the repository-relative path, creating parent
// directories as needed.
func (g *Gateway) Write(path string, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	abs, err := g.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, payload, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// EnsureDir creates a directory at the repository-relative path. An empty
// directory gets a .gitkeep so the commit retains it.
func (g *Gateway) EnsureDir(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	abs, err := g.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", path, err)
	}
	if len(entries) == 0 {
		keep := filepath.Join(abs, ".gitkeep")
		if err := os.WriteFile(keep, nil, 0644); err != nil {
			return fmt.Errorf("failed to write .gitkeep in %s: %w", path, err)
		}
	}
	return nil
}

// Commit stages the given repository-relative paths (all changes when none
// are given) and commits them. A clean tree is not an error.
func (g *Gateway) Commit(ctx context.Context, message string, paths ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	addArgs := []string{"add"}
	if len(paths) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, "--")
		for _, path := range paths {
			abs, err := g.resolve(path)
			if err != nil {
				return err
			}
			if _, err := os.Stat(abs); err != nil {
				continue
			}
			addArgs = append(addArgs, filepath.ToSlash(path))
		}
		if len(addArgs) == 2 {
			g.logger.Debug("No existing files to stage for: %s", message)
			return nil
		}
	}
	if _, err := g.git.Run(ctx, g.dir, addArgs...); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}

	status, err := g.git.Run(ctx, g.dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to check repository status: %w", err)
	}
	if len(strings.TrimSpace(string(status))) == 0 {
		g.logger.Debug("No changes detected to commit: %s", message)
		return nil
	}

	if _, err := g.git.Run(ctx, g.dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	g.logger.Info("Committed: %s", message)
	return nil
}

// Tree enumerates the working directory as a nested structure snapshot. The
// .git directory and .gitkeep placeholders are not part of the project tree.
func (g *Gateway) Tree() (proto.Tree, error) {
	tree := proto.Tree{}
	root, err := os.ReadDir(g.dir)
	if os.IsNotExist(err) {
		return tree, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository directory: %w", err)
	}
	for _, entry := range root {
		if entry.Name() == ".git" {
			continue
		}
		if err := addEntry(tree, filepath.Join(g.dir, entry.Name()), entry); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func addEntry(node proto.Tree, path string, entry os.DirEntry) error {
	if !entry.IsDir() {
		if entry.Name() == ".gitkeep" {
			return nil
		}
		node[entry.Name()] = nil
		return nil
	}
	child := proto.Tree{}
	node[entry.Name()] = child
	children, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", path, err)
	}
	for _, sub := range children {
		if err := addEntry(child, filepath.Join(path, sub.Name()), sub); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the file's content, or the binary sentinel when the file is
// not representable as text.
func (g *Gateway) Read(path string) (string, error) {
	abs, err := g.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	if binaryExtensions[strings.ToLower(filepath.Ext(abs))] {
		return BinaryMarker(path), nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return BinaryMarker(path), nil
	}
	return string(data), nil
}

// Reset deletes the working tree's contents and re-initializes an empty
// repository. The directory itself is preserved.
func (g *Gateway) Reset(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := cleanDirectoryContents(g.dir); err != nil {
		return fmt.Errorf("failed to clear repository: %w", err)
	}
	g.logger.Info("Cleared repository at %s", g.dir)
	return g.initLocked(ctx)
}

// cleanDirectoryContents removes everything inside dir without removing dir
// itself, so bind mounts and open handles on the directory stay valid.
func cleanDirectoryContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}
	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(entryPath); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entryPath, err)
		}
	}
	return nil
}

// RecentCommits returns up to n commits, newest first. An empty repository
// yields an empty slice.
func (g *Gateway) RecentCommits(ctx context.Context, n int) ([]proto.CommitInfo, error) {
	if n <= 0 {
		n = 10
	}
	out, err := g.git.Run(ctx, g.dir, "log", fmt.Sprintf("-%d", n), "--pretty=format:%H%x09%s%x09%cI")
	if err != nil {
		// A repository with no commits has no log to show.
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read commit log: %w", err)
	}

	var commits []proto.CommitInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		when, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			continue
		}
		commits = append(commits, proto.CommitInfo{Hash: parts[0], Message: parts[1], When: when})
	}
	return commits, nil
}

// CommitMessage formats the standard commit message for a worker report.
func CommitMessage(role proto.Role, filename, subtaskID string) string {
	label := string(role)
	if label != "" {
		label = strings.ToUpper(label[:1]) + label[1:]
	}
	msg := fmt.Sprintf("%s code update for %s", label, filename)
	if subtaskID != "" {
		msg += fmt.Sprintf(" (Subtask: %s)", subtaskID)
	}
	return msg
}
