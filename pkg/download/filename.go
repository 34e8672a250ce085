package download

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
)

// DefaultArchiveExt is the extension of catalogue archives.
const DefaultArchiveExt = ".zip"

var (
	// ErrNoFilename is returned when a response names no file.
	ErrNoFilename = errors.New("no filename in Content-Disposition")

	// ErrUnexpectedExtension is returned when the served file is not an
	// archive.
	ErrUnexpectedExtension = errors.New("unexpected file extension")
)

// FilenameFromTitle derives the archive name from a product title: the last
// "/" segment plus ext.
func FilenameFromTitle(title, ext string) (string, error) {
	name := path.Base(strings.TrimSpace(title))
	if err := checkName(name); err != nil {
		return "", fmt.Errorf("title %q: %w", title, err)
	}
	return name + ext, nil
}

// FilenameFromHeader reads the filename parameter of the Content-Disposition
// header and requires it to end in ext.
func FilenameFromHeader(h http.Header, ext string) (string, error) {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return "", ErrNoFilename
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return "", fmt.Errorf("parse Content-Disposition %q: %w", cd, err)
	}
	if params["filename"] == "" {
		return "", ErrNoFilename
	}
	name := filepath.Base(strings.ReplaceAll(params["filename"], `\`, "/"))
	if err := checkName(name); err != nil {
		return "", err
	}
	if !strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext)) {
		return "", fmt.Errorf("%w: %q does not end with %s", ErrUnexpectedExtension, name, ext)
	}
	return name, nil
}

func checkName(name string) error {
	switch name {
	case "", ".", "..", "/":
		return fmt.Errorf("%w: empty name", ErrNoFilename)
	}
	return nil
}
