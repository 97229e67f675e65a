package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelWarn, &buf)

	l.Debugf("noise")
	l.Infof("noise")
	l.Warnf("watch out")
	l.Errorf("boom")

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Errorf("below-threshold lines leaked: %q", out)
	}
	if !strings.Contains(out, "watch out") || !strings.Contains(out, "boom") {
		t.Errorf("at-threshold lines missing: %q", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelError, &buf)
	l.Infof("dropped")
	l.SetLevel(LevelDebug)
	l.Debugf("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
