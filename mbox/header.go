package mbox

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mbox-to-eml/filter"
)

// NoSubject is used in file names of messages without a Subject header.
const NoSubject = "No_Subject"

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Header parses the header block of a raw message. Messages without a header
// block, or with a malformed one, yield the fields read before the problem
// together with the parse error.
func Header(raw []byte) (mail.Header, error) {
	head, _ := filter.SplitRawMessage(raw)
	r := io.MultiReader(bytes.NewReader(head), strings.NewReader("\r\n\r\n"))
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	return mail.Header{Header: message.Header{Header: h}}, err
}

// Subject returns the decoded Subject of a raw message, or NoSubject when the
// header is missing. The returned error only reports header damage that was
// worked around; the subject is always usable.
func Subject(raw []byte) (string, error) {
	h, err := Header(raw)
	if !h.Has("Subject") {
		return NoSubject, err
	}
	return DecodeHeader(h.Get("Subject")), err
}

// DecodeHeader decodes RFC 2047 encoded-words. Every word is decoded on its
// own; words with a broken encoding stay as written and words in an unknown
// charset keep their undecoded bytes.
func DecodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return strings.ToValidUTF8(decoded, "�")
}

func charsetReader(name string, input io.Reader) (io.Reader, error) {
	r, err := charset.Reader(name, input)
	if err != nil {
		return input, nil
	}
	return r, nil
}
