package utils

import "testing"

func TestStripQuery(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/a.mp3?Expires=1&Signature=abc": "https://cdn.example.com/a.mp3",
		"https://cdn.example.com/a.mp3#t=10":                    "https://cdn.example.com/a.mp3",
		"/uploads/audio/b.flac":                                 "/uploads/audio/b.flac",
		"":                                                      "",
	}
	for in, want := range tests {
		if got := StripQuery(in); got != want {
			t.Errorf("StripQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
