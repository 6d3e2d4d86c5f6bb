package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Empty reports whether no pattern is configured.
func (o Options) Empty() bool {
	return len(o.IncludeHeader) == 0 && len(o.IncludeBody) == 0 &&
		len(o.ExcludeHeader) == 0 && len(o.ExcludeBody) == 0
}

// Filter holds compiled regex patterns for selecting messages. It is safe for
// concurrent use.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []*regexp.Regexp
	includeBody   []*regexp.Regexp
	excludeHeader []*regexp.Regexp
	excludeBody   []*regexp.Regexp

	mu   sync.Mutex
	hits map[*regexp.Regexp]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string

	IncludeHeaderHits map[string]int
	IncludeBodyHits   map[string]int
	ExcludeHeaderHits map[string]int
	ExcludeBodyHits   map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[*regexp.Regexp]int),
	}, nil
}

// Allows reports whether a raw message passes the filter. In include mode at
// least one pattern must match; in exclude mode none may.
func (f *Filter) Allows(raw []byte) bool {
	if !f.includeMode && !f.excludeMode {
		return true
	}

	header, body := SplitRawMessage(raw)
	headerMatch := f.matchAny(f.includeHeader, header) || f.matchAny(f.excludeHeader, header)
	bodyMatch := f.matchAny(f.includeBody, body) || f.matchAny(f.excludeBody, body)
	matched := headerMatch || bodyMatch

	if f.includeMode {
		return matched
	}
	return !matched
}

// GetStats returns a snapshot of the pattern hit counters.
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	collect := func(patterns []*regexp.Regexp) ([]string, map[string]int) {
		names := make([]string, 0, len(patterns))
		hits := make(map[string]int, len(patterns))
		for _, re := range patterns {
			names = append(names, re.String())
			hits[re.String()] += f.hits[re]
		}
		return names, hits
	}

	var s Stats
	s.IncludeHeaderPatterns, s.IncludeHeaderHits = collect(f.includeHeader)
	s.IncludeBodyPatterns, s.IncludeBodyHits = collect(f.includeBody)
	s.ExcludeHeaderPatterns, s.ExcludeHeaderHits = collect(f.excludeHeader)
	s.ExcludeBodyPatterns, s.ExcludeBodyHits = collect(f.excludeBody)
	return s
}

// SplitRawMessage splits a raw email message at its first empty line. The
// header is returned without its final line break, the body without the
// separating empty line. A message without an empty line is all header.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	for pos := 0; pos < len(raw); {
		i := bytes.IndexByte(raw[pos:], '\n')
		if i < 0 {
			break
		}
		end := pos + i
		if line := raw[pos:end]; len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			header = bytes.TrimSuffix(raw[:pos], []byte("\n"))
			header = bytes.TrimSuffix(header, []byte("\r"))
			return header, raw[end+1:]
		}
		pos = end + 1
	}

	return raw, nil
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text []byte) bool {
	for _, re := range patterns {
		if re.Match(text) {
			f.mu.Lock()
			f.hits[re]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
