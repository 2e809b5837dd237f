package batch

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

// candidate is a file found by walkDir.
type candidate struct {
	path string
	size int64
}

// walkDir returns regular files below dir whose lowercased extension is in
// extensions. Hidden files and directories are skipped.
func walkDir(dir string, extensions []string) ([]candidate, error) {
	var files []candidate

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip the root itself
		if path == dir {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !d.Type().IsRegular() || !slices.Contains(extensions, ext) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed between listing and stat.
			return nil
		}
		files = append(files, candidate{path: path, size: info.Size()})
		return nil
	})

	if err != nil {
		return nil, err
	}
	return files, nil
}

// normalizeExtensions lowercases exts and adds a leading dot where missing.
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if !slices.Contains(out, ext) {
			out = append(out, ext)
		}
	}
	return out
}
