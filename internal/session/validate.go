package session

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	peerRegexp = regexp.MustCompile(`^\+[0-9]{7,15}$`)
)

// ErrInvalidPeer marks peer id validation failures so callers can map
// them to a client error.
var ErrInvalidPeer = errors.New("invalid peer id")

// ValidateName checks that a session name conforms to naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// ValidatePeer checks that a peer identifier is an E.164 phone number.
func ValidatePeer(peer string) error {
	if !peerRegexp.MatchString(peer) {
		return fmt.Errorf("%w %q: must be an E.164 phone number", ErrInvalidPeer, peer)
	}
	return nil
}

// NormalizePeer strips spaces and dashes from a user-entered phone number.
// Ten-digit numbers without a country code get +1 prepended, matching the
// lookup behavior users expect when adding a local contact.
func NormalizePeer(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case ' ', '-', '(', ')':
		default:
			out = append(out, raw[i])
		}
	}
	s := string(out)
	if len(s) > 0 && s[0] != '+' {
		if len(s) == 10 {
			s = "+1" + s
		} else {
			s = "+" + s
		}
	}
	return s
}
