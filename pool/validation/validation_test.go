package validation

import (
	"strings"
	"testing"
)

func TestValidateAddress(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		address string
		wantErr error
	}{
		{"short name", "alice", nil},
		{"single char", "a", nil},
		{"full length", strings.Repeat("a", MaxAddressLength), nil},
		{"with separators", "miner_one-2", nil},
		{"empty", "", ErrEmptyAddress},
		{"too long", strings.Repeat("a", MaxAddressLength+1), ErrAddressTooLong},
		{"spaces", "al ice", ErrInvalidAddressFormat},
		{"path traversal", "../etc/passwd", ErrInvalidAddressFormat},
		{"control chars", "alice\n", ErrInvalidAddressFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.ValidateAddress(tt.address); err != tt.wantErr {
				t.Errorf("ValidateAddress(%q) = %v, want %v", tt.address, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorkerName(t *testing.T) {
	v := NewValidator()

	if err := v.ValidateWorkerName("rig1"); err != nil {
		t.Errorf("ValidateWorkerName(rig1) = %v, want nil", err)
	}
	if err := v.ValidateWorkerName(""); err != nil {
		t.Errorf("ValidateWorkerName empty = %v, want nil", err)
	}
	if err := v.ValidateWorkerName(strings.Repeat("x", MaxWorkerLength+1)); err != ErrWorkerTooLong {
		t.Errorf("expected ErrWorkerTooLong, got %v", err)
	}
	if err := v.ValidateWorkerName("rig 1"); err != ErrInvalidWorkerName {
		t.Errorf("expected ErrInvalidWorkerName, got %v", err)
	}
}

func TestValidateJobID(t *testing.T) {
	v := NewValidator()

	if err := v.ValidateJobID("deadbeef"); err != nil {
		t.Errorf("ValidateJobID(deadbeef) = %v, want nil", err)
	}
	if err := v.ValidateJobID(""); err != ErrEmptyJobID {
		t.Errorf("expected ErrEmptyJobID, got %v", err)
	}
	if err := v.ValidateJobID(strings.Repeat("f", MaxJobIDLength+1)); err != ErrJobIDTooLong {
		t.Errorf("expected ErrJobIDTooLong, got %v", err)
	}
	if err := v.ValidateJobID("job;drop"); err != ErrInvalidJobID {
		t.Errorf("expected ErrInvalidJobID, got %v", err)
	}
}

func TestSanitizeWorkerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rig1", "rig1"},
		{"", "default"},
		{"!!!", "default"},
		{"rig 1", "rig1"},
		{strings.Repeat("a", 100), strings.Repeat("a", MaxWorkerLength)},
	}

	for _, tt := range tests {
		if got := SanitizeWorkerName(tt.in); got != tt.want {
			t.Errorf("SanitizeWorkerName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeAgent(t *testing.T) {
	if got := SanitizeAgent("starkminer/1.0"); got != "starkminer/1.0" {
		t.Errorf("SanitizeAgent clean passthrough = %q", got)
	}
	if got := SanitizeAgent("bad\x00agent\n"); got != "badagent" {
		t.Errorf("SanitizeAgent control strip = %q", got)
	}
	long := SanitizeAgent(strings.Repeat("a", 300))
	if len(long) != MaxAgentLength {
		t.Errorf("SanitizeAgent length = %d, want %d", len(long), MaxAgentLength)
	}
}
