package mbox

import (
	"bytes"
	"log/slog"

	"github.com/dhcgn/mbox-to-eml/filter"
	"github.com/dhcgn/mbox-to-eml/model"
)

var fromPrefix = []byte("From ")

// Parse decodes an mboxrd container into its messages, in container order.
//
// A record spans from the line after its From_ separator up to the next
// separator. The line terminator written after every message is removed and
// one level of ">From " quoting is undone, so the returned bytes are the
// message exactly as it was handed to the writer.
func Parse(data []byte) ([]model.Message, error) {
	pos := 0
	for pos < len(data) {
		end := lineEnd(data, pos)
		if !isBlank(data[pos:end]) {
			break
		}
		pos = end
	}
	if pos == len(data) {
		return nil, nil
	}
	if !bytes.HasPrefix(data[pos:], fromPrefix) {
		return nil, &ParseError{Offset: pos, Index: 1, Err: ErrMissingSeparator}
	}

	var messages []model.Message
	for pos < len(data) {
		index := len(messages) + 1

		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			return nil, &ParseError{Offset: pos, Index: index, Err: ErrUnterminatedSeparator}
		}
		start := pos + nl + 1

		next := start
		for next < len(data) && !bytes.HasPrefix(data[next:], fromPrefix) {
			next = lineEnd(data, next)
		}

		content := data[start:next]
		switch {
		case bytes.HasSuffix(content, []byte("\r\n")):
			content = content[:len(content)-2]
		case bytes.HasSuffix(content, []byte("\n")):
			content = content[:len(content)-1]
		case next == len(data) && len(content) > 0 && !hasHeaderTerminator(content):
			return nil, &ParseError{Offset: lastLineStart(data), Index: index, Err: ErrTruncatedHeader}
		}

		messages = append(messages, model.Message{Index: index, Raw: unquote(content)})
		pos = next
	}

	return messages, nil
}

// Result is the outcome of splitting one container.
type Result struct {
	Files []model.File
	// Scanned counts every message in the container, Skipped holds the
	// indices rejected by the filter.
	Scanned int
	Skipped []int
}

// Splitter turns containers into named message files. A Splitter holds no
// per-call state and may be shared between goroutines.
type Splitter struct {
	filter *filter.Filter
	logger *slog.Logger
}

// NewSplitter returns a Splitter. Both arguments may be nil.
func NewSplitter(f *filter.Filter, logger *slog.Logger) *Splitter {
	return &Splitter{filter: f, logger: logger}
}

// Split parses data and names every message after the container's display name.
func (s *Splitter) Split(data []byte, name string) ([]model.File, error) {
	res, err := s.SplitStem(data, ContainerName(name))
	if err != nil {
		return nil, err
	}
	return res.Files, nil
}

// SplitStem is Split with an already derived filename prefix.
func (s *Splitter) SplitStem(data []byte, stem string) (Result, error) {
	messages, err := Parse(data)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Files:   make([]model.File, 0, len(messages)),
		Scanned: len(messages),
	}
	for _, msg := range messages {
		if s.filter != nil && !s.filter.Allows(msg.Raw) {
			res.Skipped = append(res.Skipped, msg.Index)
			if s.logger != nil {
				s.logger.Debug("message filtered", "container", stem, "index", msg.Index)
			}
			continue
		}

		res.Files = append(res.Files, model.File{
			Name:      FileName(stem, msg.Index, s.subject(msg)),
			Data:      msg.Raw,
			Container: stem,
			Index:     msg.Index,
		})
	}

	return res, nil
}

func (s *Splitter) subject(msg model.Message) string {
	subject, err := Subject(msg.Raw)
	if err != nil && s.logger != nil {
		s.logger.Debug("header decode fallback", "index", msg.Index, "err", err)
	}
	return subject
}

// Split is a convenience wrapper around a Splitter without filters.
func Split(data []byte, name string) ([]model.File, error) {
	return NewSplitter(nil, nil).Split(data, name)
}

func unquote(content []byte) []byte {
	if !bytes.Contains(content, []byte(">From ")) {
		return bytes.Clone(content)
	}

	out := make([]byte, 0, len(content))
	for pos := 0; pos < len(content); {
		end := lineEnd(content, pos)
		line := content[pos:end]
		if line[0] == '>' && isFromLine(line) {
			line = line[1:]
		}
		out = append(out, line...)
		pos = end
	}
	return out
}

// isFromLine reports whether line matches ^>*From .
func isFromLine(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, ">"), fromPrefix)
}

// lineEnd returns the offset just past the line starting at pos, including its '\n'.
func lineEnd(data []byte, pos int) int {
	if i := bytes.IndexByte(data[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(data)
}

func lastLineStart(data []byte) int {
	return bytes.LastIndexByte(data, '\n') + 1
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

func hasHeaderTerminator(content []byte) bool {
	for pos := 0; pos < len(content); {
		end := lineEnd(content, pos)
		if end <= len(content) && content[end-1] == '\n' && isBlank(content[pos:end]) {
			return true
		}
		pos = end
	}
	return false
}
