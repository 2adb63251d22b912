package workspace

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"ojforge/pkg/errors"
)

// SnapshotZip streams a zip archive of the workspace subtree to dst.
// Entry names are forward-slash paths relative to the workspace directory,
// file mode 0644; directory entries are omitted.
func (w *Workspace) SnapshotZip(dst io.Writer) error {
	if !w.Exists() {
		return errors.Newf(errors.WorkspaceError, "workspace has no artifacts yet")
	}
	files, err := collectFiles(w.dir)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(dst)
	for _, path := range files {
		if err := addZipEntry(zw, w.dir, "", path); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "finalize zip")
	}
	return nil
}

// SnapshotZipAll streams one archive covering several workspaces, each
// under a top-level directory named after its problem id. Workspaces
// without artifacts are skipped.
func SnapshotZipAll(dst io.Writer, wss []*Workspace) error {
	zw := zip.NewWriter(dst)
	for _, w := range wss {
		if !w.Exists() {
			continue
		}
		files, err := collectFiles(w.dir)
		if err != nil {
			_ = zw.Close()
			return err
		}
		for _, path := range files {
			if err := addZipEntry(zw, w.dir, w.ProblemID+"/", path); err != nil {
				_ = zw.Close()
				return err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "finalize zip")
	}
	return nil
}

func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		// Skip in-flight atomic writes.
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "walk workspace")
	}
	sort.Strings(files)
	return files, nil
}

func addZipEntry(zw *zip.Writer, root, prefix, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "relativize zip entry")
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "stat zip entry")
	}
	hdr := &zip.FileHeader{
		Name:     prefix + filepath.ToSlash(rel),
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	hdr.SetMode(fileMode)
	entry, err := zw.CreateHeader(hdr)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create zip entry")
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "open zip entry source")
	}
	defer f.Close()
	if _, err := io.Copy(entry, f); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "write zip entry")
	}
	return nil
}
