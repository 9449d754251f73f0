package utils

import (
	"errors"
	"path/filepath"
	"strings"
)

var ErrUnsafePath = errors.New("path escapes storage root")

// SanitizeFilename strips directory components and characters that are not
// safe in a filename on common filesystems.
func SanitizeFilename(name string) string {
	clean := strings.TrimSpace(name)
	clean = strings.ReplaceAll(clean, "\\", "/")
	if idx := strings.LastIndex(clean, "/"); idx >= 0 {
		clean = clean[idx+1:]
	}
	var b strings.Builder
	for _, r := range clean {
		switch {
		case r < 0x20 || r == 0x7f:
			continue
		case strings.ContainsRune(`<>:"|?*`, r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	clean = strings.Trim(b.String(), ". ")
	return clean
}

// ValidateDownloadPath joins directory and filename under root and rejects
// any result that would land outside root. Returns the absolute final path.
func ValidateDownloadPath(root, directory, filename string) (string, error) {
	filename = SanitizeFilename(filename)
	if filename == "" {
		return "", ErrUnsafePath
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(absRoot, filepath.FromSlash(directory), filename)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil {
		return "", ErrUnsafePath
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return abs, nil
}
