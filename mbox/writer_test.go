package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-eml/model"
)

func TestJoin_RoundTrip(t *testing.T) {
	messages := []string{
		"From: a@example.com\nSubject: plain\n\nHello\n",
		"From: b@example.com\r\nSubject: crlf\r\n\r\nLine one\r\nFrom here on\r\n",
		"Subject: no trailing newline\n\nlast line",
		"",
		"Subject: quoting\n\nFrom the top\n>From once\n>>From twice\n From indented\nFromage\n",
		"From the very first line\n\nbody\n",
		"just opaque bytes without any header block\n",
		"Subject: binary\n\n\x00\x01\xff\xfe\n",
		"Subject: blank tail\n\nbody\n\n\n",
		"Subject: crlf blank tail\r\n\r\nbody\r\n\r\n",
		"\n",
		"\r\n",
	}

	files := make([]model.File, len(messages))
	for i, m := range messages {
		files[i] = model.File{Name: fmt.Sprintf("in-%d.eml", i), Data: []byte(m)}
	}

	container, err := Join(files)
	require.NoError(t, err)

	got, err := Parse(container)
	require.NoError(t, err)
	require.Len(t, got, len(messages))
	for i, m := range messages {
		assert.Equal(t, m, string(got[i].Raw), "message %d", i+1)
		assert.Equal(t, i+1, got[i].Index)
	}
}

func TestJoin_SplitJoinSplit(t *testing.T) {
	first, err := Split(ordersMbox, "orders.mbox")
	require.NoError(t, err)

	container, err := Join(first)
	require.NoError(t, err)
	assert.Equal(t, string(ordersMbox), string(container))

	second, err := Split(container, "orders.mbox")
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Name, second[i].Name)
		assert.Equal(t, first[i].Data, second[i].Data)
	}
}

func TestJoin_Empty(t *testing.T) {
	container, err := Join(nil)
	require.NoError(t, err)
	assert.Empty(t, container)

	files, err := Split(container, "empty.mbox")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestJoin_EscapesSeparators(t *testing.T) {
	container, err := Join([]model.File{{Data: []byte("Subject: x\n\nFrom me\n>From you\n")}})
	require.NoError(t, err)

	assert.Contains(t, string(container), "\n>From me\n>>From you\n")

	separators := 0
	for _, line := range strings.Split(string(container), "\n") {
		if strings.HasPrefix(line, "From ") {
			separators++
		}
	}
	assert.Equal(t, 1, separators)
}

func TestJoin_TrailingCR(t *testing.T) {
	messages := []string{
		"opaque\r",
		"Subject: cr\n\nbody\r",
		"Subject: cr then crlf\n\nbody\r\r\n",
		"\r",
		"From the top\r",
	}
	files := make([]model.File, len(messages))
	for i, m := range messages {
		files[i] = model.File{Name: fmt.Sprintf("cr-%d.eml", i), Data: []byte(m)}
	}

	container, err := Join(files)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(container), "From MAILER-DAEMON Thu Jan  1 00:00:00 1970\nopaque\r\r\n"))

	got, err := Parse(container)
	require.NoError(t, err)
	require.Len(t, got, len(messages))
	for i, m := range messages {
		assert.Equal(t, m, string(got[i].Raw), "message %d", i+1)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errWriteFailed
}

var errWriteFailed = errors.New("disk full")

func TestJoin_WriteFailure(t *testing.T) {
	files := []model.File{
		{Name: "small.eml", Data: []byte("Subject: ok\n\nbody\n")},
		{Name: "large.eml", Data: bytes.Repeat([]byte("x"), 8192)},
	}

	err := writeAll(failingWriter{}, files)
	require.Error(t, err)
	assert.ErrorIs(t, err, errWriteFailed)

	var ferr *FramingError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, 2, ferr.Index)
	assert.Equal(t, "large.eml", ferr.Name)
	assert.Contains(t, err.Error(), "input 2 (large.eml)")
}

func TestEnvelope(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "from and date",
			raw:  "From: Alice <alice@example.com>\nDate: Mon, 06 Jan 2025 09:00:00 +0000\n\nbody\n",
			want: "From alice@example.com Mon Jan  6 09:00:00 2025\n",
		},
		{
			name: "return path wins",
			raw:  "Return-Path: <bounce@example.com>\nFrom: alice@example.com\n\nbody\n",
			want: "From bounce@example.com Thu Jan  1 00:00:00 1970\n",
		},
		{
			name: "date converted to UTC",
			raw:  "Date: Mon, 06 Jan 2025 09:00:00 +0200\n\nbody\n",
			want: "From MAILER-DAEMON Mon Jan  6 07:00:00 2025\n",
		},
		{
			name: "no headers",
			raw:  "opaque",
			want: "From MAILER-DAEMON Thu Jan  1 00:00:00 1970\n",
		},
		{
			name: "null return path",
			raw:  "Return-Path: <>\n\nbody\n",
			want: "From MAILER-DAEMON Thu Jan  1 00:00:00 1970\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Envelope([]byte(tt.raw)))
		})
	}
}

func TestCount(t *testing.T) {
	files := []model.File{
		{Data: []byte("Subject: one\n\nfirst\n")},
		{Data: []byte("Subject: two\n\nsecond\nFrom quoted\n")},
		{Data: []byte("Subject: three\n\nthird\n")},
	}
	container, err := Join(files)
	require.NoError(t, err)

	n, err := Count(bytes.NewReader(container))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = Count(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScan(t *testing.T) {
	var indices []int
	var subjects []string
	err := Scan(bytes.NewReader(ordersMbox), func(index int, raw []byte) error {
		indices = append(indices, index)
		subject, _ := Subject(raw)
		subjects = append(subjects, subject)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, indices)
	assert.Equal(t, []string{NoSubject, "Re: Q3/Q4 Report?", "Bestellung überprüft"}, subjects)
}

func TestScan_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := Scan(bytes.NewReader(ordersMbox), func(int, []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
