package identity

import (
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Laptop", want: "Laptop"},
		{name: "markup", in: `<b>"Al's" & co</b>`, want: "bAls  co/b"},
		{name: "control", in: "a\x00b\x1fc\x7fd", want: "abcd"},
		{name: "trim", in: "  phone \t", want: "phone"},
		{name: "empty", in: "", want: DefaultName},
		{name: "only stripped", in: "<>&\x01", want: DefaultName},
		{name: "whitespace only", in: "   ", want: DefaultName},
		{name: "unicode kept", in: "Teléfono 📱", want: "Teléfono 📱"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeName(tc.in, DefaultMaxNameLength, DefaultName); got != tc.want {
				t.Fatalf("SanitizeName(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeName_Truncates(t *testing.T) {
	long := strings.Repeat("x", 80)
	got := SanitizeName(long, 50, DefaultName)
	if len(got) != 50 {
		t.Fatalf("len=%d, want 50", len(got))
	}

	multi := strings.Repeat("é", 60)
	got = SanitizeName(multi, 50, DefaultName)
	if n := len([]rune(got)); n != 50 {
		t.Fatalf("rune len=%d, want 50", n)
	}
}

func TestIsValidID(t *testing.T) {
	for i := 0; i < 10; i++ {
		id := NewID()
		if !IsValidID(id) {
			t.Fatalf("NewID produced %q which does not validate", id)
		}
	}

	cases := []struct {
		id   string
		want bool
	}{
		{"123e4567-e89b-12d3-a456-426614174000", true},
		{"123E4567-E89B-42D3-A456-426614174000", true},
		{"", false},
		{"not-a-uuid", false},
		{"123e4567e89b12d3a456426614174000", false},
		{"{123e4567-e89b-12d3-a456-426614174000}", false},
		{"urn:uuid:123e4567-e89b-12d3-a456-426614174000", false},
		{"123e4567-e89b-02d3-a456-426614174000", false},
		{"123e4567-e89b-62d3-a456-426614174000", false},
		{"123e4567-e89b-42d3-c456-426614174000", false},
		{"123e4567-e89b-42d3-a456-42661417400g", false},
	}
	for _, tc := range cases {
		if got := IsValidID(tc.id); got != tc.want {
			t.Errorf("IsValidID(%q)=%v, want %v", tc.id, got, tc.want)
		}
	}
}
