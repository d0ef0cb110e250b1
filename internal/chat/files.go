package chat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileTooLarge = errors.New("file too large")
)

// FileResolver inlines the files a question references. Relative paths
// resolve against BaseDir.
type FileResolver struct {
	BaseDir     string
	MaxFileSize int64
}

func NewFileResolver(baseDir string) *FileResolver {
	return &FileResolver{BaseDir: baseDir, MaxFileSize: 256 * 1024}
}

// Inline renders every reference as fenced file content. A reference that
// cannot be resolved is kept as a "not found" note.
func (r *FileResolver) Inline(refs []string) string {
	blocks := make([]string, 0, len(refs))
	for _, ref := range refs {
		blocks = append(blocks, r.inlineOne(ref))
	}
	return strings.Join(blocks, "\n\n")
}

func (r *FileResolver) inlineOne(ref string) string {
	paths, err := r.expand(ref)
	if err != nil || len(paths) == 0 {
		return fmt.Sprintf("File: %s (%v)", ref, ErrFileNotFound)
	}
	blocks := make([]string, 0, len(paths))
	for _, p := range paths {
		block, err := r.fence(p)
		if err != nil {
			blocks = append(blocks, fmt.Sprintf("File: %s (%v)", r.display(p), err))
			continue
		}
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}

// expand turns a reference into the regular files it denotes: a glob, a
// directory's direct files, or one file.
func (r *FileResolver) expand(ref string) ([]string, error) {
	path := r.abs(ref)
	if strings.ContainsAny(ref, "*?[{") {
		matches, err := doublestar.FilepathGlob(path)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", ref, err)
		}
		return regularFiles(matches), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", ref, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *FileResolver) fence(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", ErrFileNotFound
	}
	if r.MaxFileSize > 0 && info.Size() > r.MaxFileSize {
		return "", ErrFileTooLarge
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := strings.TrimRight(string(b), "\n")
	return fmt.Sprintf("File: %s\n```%s\n%s\n```", r.display(path), language(path), content), nil
}

func (r *FileResolver) abs(ref string) string {
	if strings.HasPrefix(ref, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ref[2:])
		}
	}
	if filepath.IsAbs(ref) || r.BaseDir == "" {
		return ref
	}
	return filepath.Join(r.BaseDir, ref)
}

func (r *FileResolver) display(path string) string {
	if r.BaseDir == "" {
		return path
	}
	if rel, err := filepath.Rel(r.BaseDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

func regularFiles(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

var languages = map[string]string{
	".go":   "go",
	".lua":  "lua",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".java": "java",
	".rb":   "ruby",
	".sh":   "sh",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
}

func language(path string) string {
	return languages[strings.ToLower(filepath.Ext(path))]
}
