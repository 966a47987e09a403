package batch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/pagerun/pkg/schema"
)

// ScanOptions controls workflow file discovery.
type ScanOptions struct {
	Recursive bool
	Pattern   string // filename glob, default "*.json"
}

// ScanFolder discovers workflow files under root. It collects file metadata
// only; contents are not parsed or validated.
func ScanFolder(root string, opts ScanOptions) ([]schema.WorkflowFileInfo, error) {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = "*.json"
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scan path %q", root).WithCause(err)
	}
	if !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "scan path %q is not a directory", root)
	}

	var files []schema.WorkflowFileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !opts.Recursive && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ok, err := filepath.Match(pattern, d.Name())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, schema.WorkflowFileInfo{
			Path:    path,
			Name:    strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "scan folder").WithCause(err)
	}
	return files, nil
}
