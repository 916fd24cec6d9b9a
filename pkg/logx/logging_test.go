package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("component", "test"))
	l.Debug("hello", Int("n", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v, want hello", m["message"])
	}
	if m["component"] != "test" {
		t.Fatalf("component = %v, want test", m["component"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if _, ok := m["err"]; ok {
		t.Fatal("Err(nil) should not add a field")
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if ValidLevel("bogus") {
		t.Fatal("ValidLevel(bogus) = true")
	}
	if !ValidLevel("") {
		t.Fatal("ValidLevel(\"\") = false")
	}
}

func TestApplySwitchesLogFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log.Info("before", Int64("seq", 1))

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	log.Info("after", Duration("took", time.Millisecond))

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !strings.Contains(string(a), `"seq":1`) || strings.Contains(string(a), "after") {
		t.Fatalf("first.log = %q", a)
	}
	if !strings.Contains(string(b), "after") || strings.Contains(string(b), "before") {
		t.Fatalf("second.log = %q", b)
	}
}

func TestApplyWhileLogging(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(dir, "a.log")}})
	defer svc.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			log.Info("tick", Int("i", i))
		}
	}()
	for i := 0; i < 20; i++ {
		name := "a.log"
		if i%2 == 1 {
			name = "b.log"
		}
		svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(dir, name)}})
	}
	<-done
	log.Info("last")

	// The last Apply pointed at b.log.
	b, err := os.ReadFile(filepath.Join(dir, "b.log"))
	if err != nil {
		t.Fatalf("read b.log: %v", err)
	}
	if !strings.Contains(string(b), `"message":"last"`) {
		t.Fatalf("b.log missing final line: %q", b)
	}
}
