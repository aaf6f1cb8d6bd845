package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"relay-ai/internal/domain"
)

// Sandbox confines file writes to one output root.
type Sandbox struct {
	root string // absolute, resolved output root
}

// NewSandbox creates a sandbox rooted at the given directory, creating it
// when missing.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}

	return &Sandbox{root: resolved}, nil
}

// Resolve maps a client-supplied relative path onto the root. Leading
// separators are stripped, so "/a.txt" means "<root>/a.txt". It returns the
// absolute target and its root-relative form.
func (s *Sandbox) Resolve(userPath string) (abs, rel string, err error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(userPath)))
	clean = strings.TrimLeft(clean, `/\`)
	if clean == "" || clean == "." {
		return "", "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox, "empty path")
	}

	abs, err = s.ValidatePath(filepath.Join(s.root, clean))
	if err != nil {
		return "", "", err
	}
	if abs == s.root {
		return "", "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox, "path names the root")
	}
	rel, err = filepath.Rel(s.root, abs)
	if err != nil {
		return "", "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox, err.Error())
	}
	return abs, filepath.ToSlash(rel), nil
}

// ValidatePath checks that a requested path resolves to within the sandbox.
// Symlinks are resolved on the deepest existing ancestor, so paths whose
// directories do not exist yet are accepted.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	abs, err := filepath.Abs(requested)
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	if !s.isWithinRoot(resolved) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("resolved %q is outside root %q", resolved, s.root))
	}

	return resolved, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) isWithinRoot(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of abs
// and re-attaches the missing tail.
func resolveExisting(abs string) (string, error) {
	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
