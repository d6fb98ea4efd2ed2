package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SanitizeName turns an archive entry name into a relative path. Backslashes
// become separators; empty, ".", ".." and drive-letter components are dropped.
// The result is empty for names like "/" or "..".
func SanitizeName(name string) string {
	parts := strings.Split(strings.ReplaceAll(name, `\`, "/"), "/")
	kept := parts[:0]

	for i, part := range parts {
		switch {
		case part == "", part == ".", part == "..":
			continue
		case i == 0 && len(part) == 2 && part[1] == ':':
			continue
		}

		kept = append(kept, part)
	}

	return filepath.Join(kept...)
}

// resolve returns the destination of an entry under root.
func resolve(root, name string) (string, error) {
	rel := SanitizeName(name)
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("entry %q has no usable path", name)
	}

	return filepath.Join(root, rel), nil
}

// localLinkTarget reports whether a symlink target can only point below the
// directory holding the link: it must be relative and free of ".." components.
// Links of this shape stay inside the staging tree however they are chained.
func localLinkTarget(target string) bool {
	if target == "" || filepath.IsAbs(target) || filepath.VolumeName(target) != "" {
		return false
	}

	normalized := strings.ReplaceAll(target, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return false
	}

	for _, part := range strings.Split(normalized, "/") {
		if part == ".." {
			return false
		}
	}

	return true
}

// symlinkAncestor returns the first existing symlink between root and the
// parent directory of path, or "" when every existing ancestor is a real directory.
func symlinkAncestor(root, path string) (string, error) {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil {
		return "", err
	}

	if rel == "." {
		return "", nil
	}

	current := root

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		info, statErr := os.Lstat(current)

		switch {
		case errors.Is(statErr, fs.ErrNotExist):
			return "", nil
		case statErr != nil:
			return "", statErr
		case info.Mode()&fs.ModeSymlink != 0:
			return current, nil
		}
	}

	return "", nil
}
