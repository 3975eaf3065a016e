package session

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work", "a", "my-session_2"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) error = %v", name, err)
		}
	}

	invalid := []string{"", "Has Upper", "spaces here", "dot.dot", "slash/y"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) expected error", name)
		}
	}
}

func TestValidatePeer(t *testing.T) {
	if err := ValidatePeer("+15551234567"); err != nil {
		t.Errorf("ValidatePeer error = %v", err)
	}
	for _, peer := range []string{"", "15551234567", "+1", "+1555geoff"} {
		if err := ValidatePeer(peer); err == nil {
			t.Errorf("ValidatePeer(%q) expected error", peer)
		}
	}
}

func TestNormalizePeer(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+1 555 123-4567", "+15551234567"},
		{"5551234567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"915551234567", "+915551234567"},
		{"+445551234567", "+445551234567"},
	}
	for _, tt := range tests {
		if got := NormalizePeer(tt.in); got != tt.want {
			t.Errorf("NormalizePeer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
