package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

// Uploader copies whole workspace trees into a Store under a common prefix.
type Uploader struct {
	store  Store
	bucket string
	prefix string
}

// NewUploader creates an uploader. bucket is used only to report the
// destination address; prefix namespaces all uploaded workspaces.
func NewUploader(store Store, bucket, prefix string) *Uploader {
	return &Uploader{store: store, bucket: bucket, prefix: prefix}
}

// Upload walks the workspace directory and puts every regular file,
// preserving the relative layout under <prefix>/<workspace-name>/. It
// returns the address of the uploaded tree. A failed file aborts the walk;
// re-running the upload overwrites already-copied files harmlessly.
func (u *Uploader) Upload(ctx context.Context, dir string) (string, error) {
	base := filepath.Base(dir)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			slog.Warn("Skipping irregular file during upload", "path", p)
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return u.putFile(ctx, p, path.Join(u.prefix, base, filepath.ToSlash(rel)))
	})
	if err != nil {
		return "", fmt.Errorf("upload workspace %s: %w", dir, err)
	}

	return fmt.Sprintf("s3://%s/%s", u.bucket, path.Join(u.prefix, base)), nil
}

func (u *Uploader) putFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return u.store.Put(ctx, key, f, info.Size())
}
