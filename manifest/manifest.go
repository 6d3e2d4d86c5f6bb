// Package manifest records the files produced by a split as JSON lines, so a
// later join can restore the original message order and check the contents.
package manifest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-to-eml/model"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMissingEntry     = errors.New("file not listed in manifest")
	ErrDuplicateEntry   = errors.New("duplicate file name")
)

// Record describes one exported message file.
type Record struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	Index     int    `json:"index"`
	Size      int    `json:"size"`
	SHA256    string `json:"sha256"`
}

// NewRecord builds the record of f.
func NewRecord(f model.File) Record {
	return Record{
		Name:      f.Name,
		Container: f.Container,
		Index:     f.Index,
		Size:      len(f.Data),
		SHA256:    Checksum(f.Data),
	}
}

// Checksum returns the hex encoded SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Writer appends records to a manifest file.
type Writer struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	writeMu sync.Mutex
	count   int
}

// Create truncates or creates the manifest at path.
func Create(path string) (*Writer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("manifest path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest for write: %w", err)
	}

	return &Writer{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
	}, nil
}

// Path returns the manifest location.
func (w *Writer) Path() string {
	return w.path
}

// Add appends the record of f. It is safe for concurrent use.
func (w *Writer) Add(f model.File) error {
	data, err := json.Marshal(NewRecord(f))
	if err != nil {
		return fmt.Errorf("encode manifest record: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("write manifest record: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.count
}

// Flush writes any buffered data to the underlying file.
func (w *Writer) Flush() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush manifest: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	return nil
}

// Close flushes and closes the manifest file.
func (w *Writer) Close() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	var firstErr error
	if err := w.writer.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush manifest: %w", err)
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync manifest: %w", err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close manifest: %w", err)
	}

	return firstErr
}

// Load reads every record of the manifest at path, in file order.
func Load(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return nil, fmt.Errorf("parse manifest line %d: %w", line, err)
		}
		if record.Name == "" {
			continue
		}
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return records, nil
}

// Order arranges files in manifest order and checks their checksums. Files
// are matched by base name. Files the manifest does not list are an error, as
// are listed files that are not present, and so are two files sharing a base
// name.
func Order(records []Record, files []model.File) ([]model.File, error) {
	byName := make(map[string]model.File, len(files))
	for _, f := range files {
		base := filepath.Base(f.Name)
		if prev, dup := byName[base]; dup {
			return nil, fmt.Errorf("%s and %s: %w", prev.Name, f.Name, ErrDuplicateEntry)
		}
		byName[base] = f
	}

	ordered := make([]model.File, 0, len(records))
	for _, rec := range records {
		f, ok := byName[rec.Name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", rec.Name, os.ErrNotExist)
		}
		if rec.SHA256 != "" && Checksum(f.Data) != rec.SHA256 {
			return nil, fmt.Errorf("%s: %w", rec.Name, ErrChecksumMismatch)
		}
		delete(byName, rec.Name)
		ordered = append(ordered, f)
	}

	for _, f := range files {
		if _, extra := byName[filepath.Base(f.Name)]; extra {
			return nil, fmt.Errorf("%s: %w", f.Name, ErrMissingEntry)
		}
	}

	return ordered, nil
}
