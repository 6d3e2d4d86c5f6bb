// Package archive packs exported messages into zip files and unpacks them again.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/dhcgn/mbox-to-eml/model"
)

// DefaultName is the file name used for split results.
const DefaultName = "mbox_eml_exports.zip"

var ErrDuplicateEntry = errors.New("duplicate zip entry")

// epoch is the earliest time an MS-DOS timestamp can hold.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Write stores every file as one deflated entry named after the file, in order.
func Write(w io.Writer, files []model.File) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(files))

	for _, f := range files {
		if _, dup := seen[f.Name]; dup {
			_ = zw.Close()
			return fmt.Errorf("%s: %w", f.Name, ErrDuplicateEntry)
		}
		seen[f.Name] = struct{}{}

		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: epoch,
		})
		if err != nil {
			_ = zw.Close()
			return fmt.Errorf("create entry %s: %w", f.Name, err)
		}
		if _, err := entry.Write(f.Data); err != nil {
			_ = zw.Close()
			return fmt.Errorf("write entry %s: %w", f.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

// Bytes is Write into memory.
func Bytes(files []model.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read returns the regular files of a zip archive in archive order. Directory
// entries are skipped and entry names keep their path.
func Read(data []byte) ([]model.File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	files := make([]model.File, 0, len(zr.File))
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || strings.HasSuffix(entry.Name, "/") {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", entry.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", entry.Name, err)
		}

		files = append(files, model.File{Name: entry.Name, Data: content})
	}
	return files, nil
}

// IsMessage reports whether an entry name looks like an exported message.
func IsMessage(name string) bool {
	base := path.Base(name)
	return strings.EqualFold(path.Ext(base), ".eml") && !strings.HasPrefix(base, ".")
}
