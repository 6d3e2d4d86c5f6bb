package mbox

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/dhcgn/mbox-to-eml/model"
)

const (
	defaultSender = "MAILER-DAEMON"
	asctimeLayout = "Mon Jan _2 15:04:05 2006"
)

// Writer writes messages to an mboxrd stream.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a Writer on top of w. Close must be called to flush.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage appends one message followed by its terminator.
func (mw *Writer) WriteMessage(raw []byte) error {
	if _, err := mw.w.WriteString(Envelope(raw)); err != nil {
		return err
	}

	for pos := 0; pos < len(raw); {
		end := lineEnd(raw, pos)
		line := raw[pos:end]
		if isFromLine(line) {
			if err := mw.w.WriteByte('>'); err != nil {
				return err
			}
		}
		if _, err := mw.w.Write(line); err != nil {
			return err
		}
		pos = end
	}

	_, err := mw.w.WriteString(terminator(raw))
	return err
}

// terminator picks the line ending appended after a message. The reader strips
// a trailing CRLF before a LF, so messages ending in CR get CRLF as well.
func terminator(raw []byte) string {
	if bytes.HasSuffix(raw, []byte("\r")) || bytes.HasSuffix(raw, []byte("\r\n")) {
		return "\r\n"
	}
	return "\n"
}

// Close flushes buffered data. It does not close the underlying writer.
func (mw *Writer) Close() error {
	return mw.w.Flush()
}

// Envelope builds the From_ separator line for a message, including its
// trailing newline. The sender comes from Return-Path or From, the date from
// the Date header; both fall back to fixed values so output is reproducible.
func Envelope(raw []byte) string {
	sender := defaultSender
	date := time.Unix(0, 0)

	h, _ := Header(raw)
	if rp := strings.Trim(strings.TrimSpace(h.Get("Return-Path")), "<>"); rp != "" {
		sender = rp
	} else if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 && addrs[0].Address != "" {
		sender = addrs[0].Address
	}
	if strings.ContainsAny(sender, " \t\r\n") {
		sender = defaultSender
	}
	if t, err := h.Date(); err == nil && !t.IsZero() {
		date = t
	}

	return "From " + sender + " " + date.UTC().Format(asctimeLayout) + "\n"
}

// Join folds messages into one container. File names are not stored; the
// container only keeps message order. A failed write is reported as a
// FramingError naming the input and no container is returned.
func Join(files []model.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeAll(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAll(dst io.Writer, files []model.File) error {
	w := NewWriter(dst)
	for i, f := range files {
		if err := w.WriteMessage(f.Data); err != nil {
			return &FramingError{Index: i + 1, Name: f.Name, Err: err}
		}
	}
	return w.Close()
}
