package mbox

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxSubjectLength bounds the subject part of an exported file name, in characters.
const MaxSubjectLength = 50

const fallbackContainer = "mailbox"

var reserved = strings.NewReplacer(
	`\`, "_", "/", "_", "*", "_", "?", "_", ":", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// FileName composes {container}_{index:04d}_{subject}.eml.
func FileName(container string, index int, subject string) string {
	return fmt.Sprintf("%s_%04d_%s.eml", container, index, SanitizeSubject(subject))
}

// SanitizeSubject makes a decoded subject safe for use inside a file name.
func SanitizeSubject(subject string) string {
	s := strings.TrimSpace(reserved.Replace(subject))
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, s)
	s = norm.NFC.String(s)

	if runes := []rune(s); len(runes) > MaxSubjectLength {
		s = string(runes[:MaxSubjectLength])
	}
	return s
}

// ContainerName derives the file name prefix from a container's display name:
// directories and the final extension are dropped and reserved characters
// replaced.
func ContainerName(name string) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if ext := path.Ext(base); ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	base = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '_'
		}
		return r
	}, reserved.Replace(base))

	switch strings.TrimSpace(base) {
	case "", ".", "..":
		return fallbackContainer
	}
	return base
}
