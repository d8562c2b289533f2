// Package waiver parses the waiver-list file format shared by the
// runtime's default instrumentation oracle and cmd/fiberlint: one
// "importpath.Func" entry per line, blank lines and "#"-prefixed comments
// ignored.
package waiver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// List is a parsed, queryable waiver file.
type List struct {
	entries map[string]struct{}
}

// Parse reads a waiver list from r.
func Parse(r io.Reader) (*List, error) {
	l := &List{entries: make(map[string]struct{})}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !strings.Contains(text, ".") {
			return nil, fmt.Errorf("waiver: line %d: %q is not importpath.Func", line, text)
		}
		l.entries[text] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load reads a waiver list from a file on disk.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Contains reports whether pkg.fn is present in the list.
func (l *List) Contains(pkg, fn string) bool {
	if l == nil {
		return false
	}
	_, ok := l.entries[pkg+"."+fn]
	return ok
}

// Len reports the number of waived entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}
