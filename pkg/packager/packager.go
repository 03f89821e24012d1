// Package packager builds the results archive for a task: the Slurm
// stdout/stderr/script artifacts plus every user-declared logs and results
// path, as one deflate-compressed zip.
package packager

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ailabber/ailabber/pkg/submitter"
)

// ArchiveName is the suggested download filename for a task's results.
func ArchiveName(taskID string) string {
	return taskID + "_results.zip"
}

// BuildArchive writes the task's results archive to w. workdir must already
// be resolved; paths is the union of logs and results paths, relative to
// workdir. Missing paths are skipped silently, files are stored at their
// path relative to workdir, directories are walked recursively. The Slurm
// artifacts, when present, go in under slurm/<task_id>.{out,err,sh}.
func BuildArchive(w io.Writer, workdir, taskID string, paths []string) error {
	zw := zip.NewWriter(w)

	art := submitter.TaskArtifacts(workdir, taskID)
	slurmFiles := map[string]string{
		"slurm/" + taskID + ".out": art.OutputPath,
		"slurm/" + taskID + ".err": art.ErrorPath,
		"slurm/" + taskID + ".sh":  art.ScriptPath,
	}
	for name, src := range slurmFiles {
		if err := addFile(zw, name, src); err != nil {
			zw.Close()
			return err
		}
	}

	seen := make(map[string]struct{})
	for _, p := range paths {
		if err := addPath(zw, workdir, p, seen); err != nil {
			zw.Close()
			return err
		}
	}

	return zw.Close()
}

// addPath adds a single declared path: a file at its relative location, a
// directory recursively. seen deduplicates entries when logs and results
// overlap.
func addPath(zw *zip.Writer, workdir, path string, seen map[string]struct{}) error {
	abs := filepath.Join(workdir, path)
	info, err := os.Stat(abs)
	if err != nil {
		return nil
	}

	if !info.IsDir() {
		return addEntry(zw, workdir, abs, seen)
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		return addEntry(zw, workdir, p, seen)
	})
}

func addEntry(zw *zip.Writer, workdir, abs string, seen map[string]struct{}) error {
	rel, err := filepath.Rel(workdir, abs)
	if err != nil {
		return err
	}
	name := filepath.ToSlash(rel)
	if _, dup := seen[name]; dup {
		return nil
	}
	seen[name] = struct{}{}
	return addFile(zw, name, abs)
}

// addFile copies one file into the archive under name. A missing source is
// skipped.
func addFile(zw *zip.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	entry, err := zw.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}
	return nil
}
