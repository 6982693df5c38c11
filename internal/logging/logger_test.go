package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{" warn ", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"info", INFO},
		{"", INFO},
		{"verbose", INFO},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestOrNopHandlesNilVariants(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must return a usable logger")
	}

	var typedNil *ComponentLogger
	got := OrNop(typedNil)
	if got == nil {
		t.Fatal("OrNop(typed nil) must return a usable logger")
	}
	// Must not panic.
	got.Info("ignored %d", 1)

	real := NewComponentLogger("test")
	if OrNop(real) != real {
		t.Fatal("OrNop must pass a real logger through")
	}
}

func TestIsNil(t *testing.T) {
	if !IsNil(nil) {
		t.Fatal("nil interface should be nil")
	}
	var typedNil *ComponentLogger
	if !IsNil(typedNil) {
		t.Fatal("typed nil pointer should be nil")
	}
	if IsNil(Nop()) {
		t.Fatal("nop logger is not nil")
	}
}
