package utils

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalDocumentReader reads files stored under a media root directory.
type LocalDocumentReader struct {
	Root string
}

func NewLocalDocumentReader(root string) *LocalDocumentReader {
	if strings.TrimSpace(root) == "" {
		root = "media"
	}
	return &LocalDocumentReader{Root: root}
}

func (r *LocalDocumentReader) Read(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrorDocumentNotFound, ref)
		}
		return nil, err
	}
	return data, nil
}

// resolve keeps ref inside Root.
func (r *LocalDocumentReader) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrorDocumentNotFound)
	}
	root, err := filepath.Abs(r.Root)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(string(filepath.Separator) + filepath.FromSlash(ref))
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %q escapes media root", ref)
	}
	return full, nil
}
