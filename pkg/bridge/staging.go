package bridge

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ignoreSet holds resolved absolute paths excluded from staging. A path is
// excluded when it, or any of its ancestors, is a member.
type ignoreSet map[string]struct{}

func newIgnoreSet(paths []string) ignoreSet {
	set := make(ignoreSet, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			set[filepath.Clean(abs)] = struct{}{}
		}
	}
	return set
}

func (s ignoreSet) excludes(path string) bool {
	for p := path; ; p = filepath.Dir(p) {
		if _, ok := s[p]; ok {
			return true
		}
		if p == filepath.Dir(p) {
			return false
		}
	}
}

// stageTree wipes stagingDir and rebuilds it as a filtered copy of
// uploadRoot. There is no incremental diff; idempotence across submits comes
// from rsync on the push side.
func stageTree(uploadRoot, stagingDir string, ignore []string) error {
	src, err := filepath.Abs(uploadRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve upload root: %w", err)
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("failed to clear staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}

	excluded := newIgnoreSet(ignore)

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if excluded.excludes(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(stagingDir, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		if !d.Type().IsRegular() {
			// Sockets, devices and dangling symlinks have no business on
			// the remote cluster.
			return nil
		}
		return copyFile(path, dst)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
