package safeio

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// CleanUserPath cleans a user-provided path and rejects traversal attempts.
// Returns paths with forward slashes for cross-platform consistency.
func CleanUserPath(p string) (string, error) {
	c := filepath.Clean(p)
	if strings.Contains(c, "..") {
		return "", errors.New("path traversal detected")
	}
	// Normalize to forward slashes for cross-platform consistency
	return filepath.ToSlash(c), nil
}

// ReadFileContained reads a file only if it is contained within baseDir.
// This prevents path traversal attacks by ensuring the file path resolves
// to a location within the specified base directory.
// Returns an error if the file is outside baseDir or cannot be read.
func ReadFileContained(baseDir, filePath string) ([]byte, error) {
	// Resolve both paths to absolute
	baseDirAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.New("failed to resolve base directory")
	}
	filePathAbs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, errors.New("failed to resolve file path")
	}

	// Check containment using filepath.Rel
	rel, err := filepath.Rel(baseDirAbs, filePathAbs)
	if err != nil {
		return nil, errors.New("failed to compute relative path")
	}

	// Reject if relative path escapes the base directory
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return nil, errors.New("file path is outside base directory")
	}

	// Read the file (safe: path containment already verified above)
	// #nosec G304 -- filePathAbs has been verified to be contained within baseDirAbs
	return os.ReadFile(filePathAbs)
}

// WriteFilePreservePerms writes data to path preserving existing file mode when possible.
// When the file does not exist, it uses a sane default of 0644.
func WriteFilePreservePerms(path string, data []byte) error {
	var mode os.FileMode = 0o644
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode() & 0o777
		if mode == 0 {
			mode = 0o644
		}
	}
	return os.WriteFile(path, data, mode)
}

// WriteFileAtomic writes data to path by writing to a temp file in the same
// directory, fsyncing it, then renaming over path. This guarantees a reader
// never observes a partially written file, and that a crash mid-write
// leaves the original file untouched. Existing file permissions are
// preserved the same way WriteFilePreservePerms does.
func WriteFileAtomic(path string, data []byte) (err error) {
	var mode os.FileMode = 0o644
	if st, statErr := os.Stat(path); statErr == nil {
		mode = st.Mode() & 0o777
		if mode == 0 {
			mode = 0o644
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
