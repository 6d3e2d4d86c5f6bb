// Package mbox converts between mboxrd containers and individual messages.
//
// Split and Join are the strict, byte-exact pair used for conversions. Scan and
// Count walk a container leniently with github.com/emersion/go-mbox and are used
// where an approximate view is enough: progress totals and header statistics.
package mbox

import (
	"errors"
	"fmt"
	"io"

	mboxlib "github.com/emersion/go-mbox"
)

// ScanFunc receives each message found by Scan, with its 1-based index.
type ScanFunc func(index int, raw []byte) error

// Scan iterates through the messages of an mbox stream, calling fn for each.
// Unreadable messages are skipped.
func Scan(r io.Reader, fn ScanFunc) error {
	reader := mboxlib.NewReader(r)

	for index := 1; ; index++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", index, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			continue
		}

		if err := fn(index, raw); err != nil {
			return err
		}
	}
}

// Count counts the messages in an mbox stream without keeping them.
func Count(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			// Continue counting even if we can't read this message
			count++
			continue
		}

		count++
	}
}
