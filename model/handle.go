package model

import (
	"fmt"
	"strings"
)

// Handle is the canonical identifier username@host, case-normalized to
// lowercase on parse.
type Handle struct {
	Username string
	Host     string
}

// ParseHandle parses "username@host" into a Handle, lower-casing both
// parts. It fails on anything without exactly one '@' or with an empty
// half.
func ParseHandle(s string) (Handle, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 {
		return Handle{}, fmt.Errorf("model: invalid handle %q: missing @host", s)
	}
	username := strings.ToLower(strings.TrimSpace(parts[0]))
	host := strings.ToLower(strings.TrimSpace(parts[1]))
	if username == "" || host == "" {
		return Handle{}, fmt.Errorf("model: invalid handle %q: empty username or host", s)
	}
	if strings.Contains(host, "@") {
		return Handle{}, fmt.Errorf("model: invalid handle %q: multiple @", s)
	}
	return Handle{Username: username, Host: host}, nil
}

// String renders the canonical "username@host" form.
func (h Handle) String() string {
	return h.Username + "@" + h.Host
}

// MarshalJSON renders Handle as its canonical string form.
func (h Handle) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON parses Handle from its canonical string form.
func (h *Handle) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseHandle(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
