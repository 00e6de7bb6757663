package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	cases := map[string]string{
		"plain name":                  "plain name",
		"line1\nline2":                "line1 line2",
		"a\r\nb":                      "a  b",
		"tab\tseparated":              "tab separated",
		"esc\x1b[31mred":              "esc[31mred",
		"bell\x07":                    "bell",
		"2024-01-01 FAKE LOG\nENTRY":  "2024-01-01 FAKE LOG ENTRY",
	}
	for in, want := range cases {
		if got := SanitizeForLog(in); got != want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", in, got, want)
		}
	}
}
