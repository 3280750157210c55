package passwd_test

import (
	"bytes"
	"testing"

	"chatrelay/passwd"
)

func TestHash(t *testing.T) {
	h := passwd.Hash("Nik", "secret")
	if len(h) != 128 {
		t.Errorf("Hash length: got %d, want 128", len(h))
	}
	if !bytes.Equal(h, passwd.Hash("nik", "secret")) {
		t.Error("Hash should salt with the lower-cased username")
	}
	if bytes.Equal(h, passwd.Hash("kate", "secret")) {
		t.Error("Hash should differ between users with the same password")
	}
	if bytes.Contains(h, []byte("secret")) {
		t.Error("Hash leaks the password")
	}
}

func TestVerify(t *testing.T) {
	stored := passwd.Hash("nik", "secret")
	tests := []struct {
		user, password string
		stored         []byte
		want           bool
	}{
		{"nik", "secret", stored, true},
		{"NIK", "secret", stored, true},
		{"nik", "Secret", stored, false},
		{"kate", "secret", stored, false},
		{"nik", "secret", nil, false},
		{"nik", "secret", stored[:10], false},
	}
	for _, tc := range tests {
		if got := passwd.Verify(tc.user, tc.password, tc.stored); got != tc.want {
			t.Errorf("Verify(%q, %q): got %v, want %v", tc.user, tc.password, got, tc.want)
		}
	}
}
