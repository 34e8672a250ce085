// Package resultlist implements the persisted list of product references that
// bridges the search and download phases.
//
// The on-disk format is plain text, one product per line:
//
//	<download_url>;<title>
//
// The title is optional when a list is written by hand. Lists keep insertion
// order but behave as a set: an exact (url, title) pair is stored once.
package resultlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the name of the result list written into the output directory.
const FileName = "result_file.txt"

// separator splits the URL from the title on each line.
const separator = ";"

var (
	// ErrEmptyURL is returned for a line or reference without a download URL.
	ErrEmptyURL = errors.New("product reference has no download URL")

	// ErrInvalidReference is returned when a reference cannot be serialized
	// without corrupting the line format.
	ErrInvalidReference = errors.New("invalid product reference")
)

// ProductReference identifies one downloadable artifact.
// Two references are equal only if both fields match exactly.
type ProductReference struct {
	URL   string
	Title string
}

// String renders the reference in its line form.
func (r ProductReference) String() string {
	return r.URL + separator + r.Title
}

// HasTitle reports whether the reference carries a display title.
func (r ProductReference) HasTitle() bool {
	return r.Title != ""
}

// Validate checks that the reference survives a write/read cycle unchanged.
func (r ProductReference) Validate() error {
	if r.URL == "" {
		return ErrEmptyURL
	}
	if strings.TrimSpace(r.URL) != r.URL {
		return fmt.Errorf("%w: url %q has surrounding whitespace", ErrInvalidReference, r.URL)
	}
	if strings.Contains(r.URL, separator) {
		return fmt.Errorf("%w: url %q contains %q", ErrInvalidReference, r.URL, separator)
	}
	if strings.ContainsAny(r.URL, "\r\n") || strings.ContainsAny(r.Title, "\r\n") {
		return fmt.Errorf("%w: line break in %q", ErrInvalidReference, r.String())
	}
	return nil
}

// ParseLine parses one `url;title` line. Whitespace around the URL is
// ignored; the title is kept as written, up to the line terminator.
func ParseLine(line string) (ProductReference, error) {
	line = strings.TrimRight(line, "\r\n")
	url, title, _ := strings.Cut(line, separator)
	ref := ProductReference{
		URL:   strings.TrimSpace(url),
		Title: title,
	}
	if ref.URL == "" {
		return ProductReference{}, ErrEmptyURL
	}
	return ref, nil
}

// List is an insertion-ordered set of product references.
type List struct {
	items []ProductReference
	seen  map[ProductReference]struct{}
}

// New creates an empty list.
func New() *List {
	return &List{seen: make(map[ProductReference]struct{})}
}

// Add appends ref unless the exact pair is already present.
// It reports whether ref was added.
func (l *List) Add(ref ProductReference) bool {
	if _, ok := l.seen[ref]; ok {
		return false
	}
	l.seen[ref] = struct{}{}
	l.items = append(l.items, ref)
	return true
}

// Contains reports whether the exact pair is present.
func (l *List) Contains(ref ProductReference) bool {
	_, ok := l.seen[ref]
	return ok
}

// Len returns the number of distinct references.
func (l *List) Len() int {
	return len(l.items)
}

// Items returns a copy of the references in insertion order.
func (l *List) Items() []ProductReference {
	out := make([]ProductReference, len(l.items))
	copy(out, l.items)
	return out
}

// Encode writes the list in line format.
func (l *List) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, ref := range l.items {
		if err := ref.Validate(); err != nil {
			return err
		}
		if _, err := bw.WriteString(ref.String() + "\n"); err != nil {
			return fmt.Errorf("write reference: %w", err)
		}
	}
	return bw.Flush()
}

// Decode reads a list in line format. Blank lines are skipped and repeated
// pairs are collapsed; the number of collapsed lines is returned.
func Decode(r io.Reader) (*List, int, error) {
	list := New()
	duplicates := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		ref, err := ParseLine(scanner.Text())
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !list.Add(ref) {
			duplicates++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read result list: %w", err)
	}
	return list, duplicates, nil
}

// WriteFile replaces path with the encoded list. The file is written to a
// temporary sibling first and renamed into place.
func WriteFile(path string, l *List) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp result list: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := l.Encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync result list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close result list: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod result list: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename result list: %w", err)
	}
	return nil
}

// ReadFile loads a list from path. See Decode.
func ReadFile(path string) (*List, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open result list: %w", err)
	}
	defer f.Close()

	return Decode(f)
}
