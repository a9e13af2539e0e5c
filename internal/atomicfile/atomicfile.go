// Package atomicfile provides crash-safe file writes: serialize to a
// temporary file in the destination directory, fsync, then atomically
// rename over the final path. A reader never observes a partially-written
// file. This is a leaf package used by every component that persists
// training state (checkpoints, history, metrics, exports).
package atomicfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePerms is the mode for files created by this package.
const FilePerms = 0o644

// DirPerms is used when creating parent directories.
const DirPerms = 0o755

// Write writes data to path atomically. The temporary file is created in
// the same directory as path, which guarantees the rename(2) stays on one
// filesystem. The file contents are fsynced before the rename so a crash
// immediately after Write returns cannot lose the data.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("atomicfile: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("atomicfile: creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	// Clean up the temp file on any failure path.
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("atomicfile: writing %s: %w", tmpName, err))
	}

	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("atomicfile: syncing %s: %w", tmpName, err))
	}

	if err := tmp.Chmod(FilePerms); err != nil {
		return cleanup(fmt.Errorf("atomicfile: chmod %s: %w", tmpName, err))
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomicfile: closing %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomicfile: renaming over %s: %w", path, err)
	}

	return nil
}

// WriteJSON marshals v and writes it to path atomically.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("atomicfile: encoding %s: %w", path, err)
	}

	return Write(path, data)
}

// ReadJSON reads path and unmarshals it into v. Returns os.ErrNotExist
// (wrapped) if the file does not exist, so callers can errors.Is it.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("atomicfile: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("atomicfile: decoding %s: %w", path, err)
	}

	return nil
}

// CopyFile copies src to dst non-atomically. Used for checkpoint rotation,
// where dst is a rotation slot that is itself replaced on the next save.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("atomicfile: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePerms)
	if err != nil {
		return fmt.Errorf("atomicfile: creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("atomicfile: copying %s to %s: %w", src, dst, err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("atomicfile: syncing %s: %w", dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("atomicfile: closing %s: %w", dst, err)
	}

	return nil
}
