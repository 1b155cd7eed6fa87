package logger

import "testing"

func TestLevelString(t *testing.T) {
	cases := map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
		Level(99):  "UNKNOWN",
	}
	for lvl, want := range cases {
		if got := lvl.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", lvl, got, want)
		}
	}
}

func TestEmitRespectsMinLevel(t *testing.T) {
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	// Should not panic or error; we can't easily capture std here since it
	// writes to os.Stderr, but we can at least exercise the filtering path.
	InfoCF("test", "should be filtered", nil)
	WarnCF("test", "should be emitted", map[string]interface{}{"k": "v"})
}

func TestSetJSONToggle(t *testing.T) {
	SetJSON(true)
	defer SetJSON(false)
	InfoCF("test", "json mode", map[string]interface{}{"a": 1})
}
