package auth

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidCredential is returned for a credential file that does not
// hold a single "login:password" line.
var ErrInvalidCredential = errors.New("invalid credential file")

// Credential is a catalogue account. Its String form never shows the
// password.
type Credential struct {
	Username string
	Password string
}

// String implements fmt.Stringer.
func (c Credential) String() string {
	return c.Username + ":****"
}

// GoString implements fmt.GoStringer so %#v does not leak the password.
func (c Credential) GoString() string {
	return fmt.Sprintf("auth.Credential{Username:%q, Password:\"****\"}", c.Username)
}

// ParseCredential parses a "login:password" line. The password may itself
// contain colons.
func ParseCredential(line string) (Credential, error) {
	line = strings.TrimRight(line, "\r\n")
	user, pass, ok := strings.Cut(line, ":")
	if !ok {
		return Credential{}, fmt.Errorf("%w: expected login:password", ErrInvalidCredential)
	}
	user = strings.TrimSpace(user)
	if user == "" || pass == "" {
		return Credential{}, fmt.Errorf("%w: login and password must not be empty", ErrInvalidCredential)
	}
	return Credential{Username: user, Password: pass}, nil
}

// LoadCredential reads the first non-blank line of the file at path.
func LoadCredential(path string) (Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return Credential{}, fmt.Errorf("open credential file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		return ParseCredential(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Credential{}, fmt.Errorf("read credential file: %w", err)
	}
	return Credential{}, fmt.Errorf("%w: %s is empty", ErrInvalidCredential, path)
}
