package workspace

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"ojforge/internal/common/storage"
	"ojforge/pkg/errors"
)

const archiveContentType = "application/zstd"

// Archiver moves cold workspaces between local disk and object storage as
// tar+zstd bundles. Cleanup archives a workspace before deleting its local
// copy; Restore brings it back when a retry needs the artifacts again.
type Archiver struct {
	storage storage.ObjectStorage
	bucket  string
}

// NewArchiver creates an archiver writing into the given bucket.
func NewArchiver(st storage.ObjectStorage, bucket string) *Archiver {
	return &Archiver{storage: st, bucket: bucket}
}

// ObjectKey returns the bundle key for a workspace.
func (a *Archiver) ObjectKey(ws *Workspace) string {
	return path.Join("workspaces", ws.UserID, ws.ProblemID+".tar.zst")
}

// Archive packs the workspace subtree and uploads it. The local directory
// is left untouched.
func (a *Archiver) Archive(ctx context.Context, ws *Workspace) error {
	if a.storage == nil {
		return errors.Newf(errors.WorkspaceError, "object storage is not configured")
	}
	if !ws.Exists() {
		return errors.Newf(errors.WorkspaceError, "workspace has no artifacts yet")
	}
	tmp, err := os.CreateTemp("", "ws-archive-*.tar.zst")
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create archive temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := packWorkspace(ws.dir, tmp); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "measure archive")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "rewind archive")
	}

	if err := a.storage.EnsureBucket(ctx, a.bucket); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "ensure archive bucket")
	}
	if err := a.storage.PutObject(ctx, a.bucket, a.ObjectKey(ws), tmp, size, archiveContentType); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "upload workspace archive")
	}
	return nil
}

// Archived reports whether an uploaded bundle exists for the workspace.
func (a *Archiver) Archived(ctx context.Context, ws *Workspace) (bool, error) {
	if a.storage == nil {
		return false, nil
	}
	_, err := a.storage.StatObject(ctx, a.bucket, a.ObjectKey(ws))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, errors.WorkspaceError, "stat workspace archive")
	}
	return true, nil
}

// Restore downloads and unpacks the bundle into the workspace directory.
// Existing local files are overwritten.
func (a *Archiver) Restore(ctx context.Context, ws *Workspace) error {
	if a.storage == nil {
		return errors.Newf(errors.WorkspaceError, "object storage is not configured")
	}
	reader, err := a.storage.GetObject(ctx, a.bucket, a.ObjectKey(ws))
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "download workspace archive")
	}
	defer reader.Close()
	return unpackWorkspace(reader, ws.dir)
}

// Discard removes the uploaded bundle.
func (a *Archiver) Discard(ctx context.Context, ws *Workspace) error {
	if a.storage == nil {
		return nil
	}
	return a.storage.RemoveObjects(ctx, a.bucket, []string{a.ObjectKey(ws)})
}

func packWorkspace(root string, dst io.Writer) error {
	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create zstd writer")
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    int64(fileMode),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return errors.Wrapf(walkErr, errors.WorkspaceError, "pack workspace")
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return errors.Wrapf(err, errors.WorkspaceError, "finalize tar")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "finalize zstd")
	}
	return nil
}

func unpackWorkspace(src io.Reader, dstDir string) error {
	zr, err := zstd.NewReader(src)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create zstd reader")
	}
	defer zr.Close()

	if err := os.MkdirAll(dstDir, dirMode); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create workspace directory")
	}
	cleanRoot := filepath.Clean(dstDir)

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, errors.WorkspaceError, "read tar entry")
		}
		if hdr.Name == "" || hdr.Typeflag != tar.TypeReg {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return errors.Newf(errors.WorkspaceError, "invalid tar entry path").
				WithDetail("name", hdr.Name)
		}
		target := filepath.Join(cleanRoot, cleanName)
		if !strings.HasPrefix(target, cleanRoot+string(filepath.Separator)) {
			return errors.Newf(errors.WorkspaceError, "tar entry escapes workspace").
				WithDetail("name", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
			return errors.Wrapf(err, errors.WorkspaceError, "create entry directory")
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
		if err != nil {
			return errors.Wrapf(err, errors.WorkspaceError, "create entry file")
		}
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, errors.WorkspaceError, "write entry file")
		}
		if err := f.Close(); err != nil {
			return errors.Wrapf(err, errors.WorkspaceError, "close entry file")
		}
	}
	return nil
}
