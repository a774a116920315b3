package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{
			name:   "default config",
			config: Config{Level: LogLevelNormal, Format: "text"},
			want:   LogLevelNormal,
		},
		{
			name:   "verbose config",
			config: Config{Level: LogLevelVerbose, Format: "json"},
			want:   LogLevelVerbose,
		},
		{
			name:   "quiet config",
			config: Config{Level: LogLevelQuiet, Format: "text"},
			want:   LogLevelQuiet,
		},
		{
			name:   "empty level falls back to normal",
			config: Config{Format: "text"},
			want:   LogLevelNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if logger.GetLevel() != tt.want {
				t.Errorf("NewLogger() level = %v, want %v", logger.GetLevel(), tt.want)
			}
		})
	}
}

func TestNewLogger_LogFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "backup.log")

	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, LogFile: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("written twice")

	if !strings.Contains(buf.String(), "written twice") {
		t.Error("expected message in primary output")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"quiet":   LogLevelQuiet,
		"VERBOSE": LogLevelVerbose,
		" debug ": LogLevelDebug,
		"":        LogLevelNormal,
		"bogus":   LogLevelNormal,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogBackupOperation_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "json"})

	logger.LogBackupOperation("clients", "daily-clients-2026-10-14T02-00-00Z.json", "daily", 512, time.Second, nil)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if entry["operation"] != "backup" {
		t.Errorf("operation = %v, want backup", entry["operation"])
	}
	if entry["snapshot_id"] != "daily-clients-2026-10-14T02-00-00Z.json" {
		t.Errorf("snapshot_id = %v", entry["snapshot_id"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
}

func TestLogRestoreOperation_Error(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "text"})

	logger.LogRestoreOperation("adhoc.json", 0, time.Millisecond, errors.New("insert failed"))

	out := buf.String()
	if !strings.Contains(out, "Restore failed") || !strings.Contains(out, "insert failed") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestQuietLevelSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: &buf})

	logger.LogRetention("daily", 9, 2, 0)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output at quiet level, got %q", buf.String())
	}

	logger.Error("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("expected error output at quiet level")
	}
}

func TestSetLevel(t *testing.T) {
	logger := NewDiscardLogger()
	logger.SetLevel(LogLevelDebug)

	if logger.GetLevel() != LogLevelDebug {
		t.Errorf("GetLevel() = %v, want debug", logger.GetLevel())
	}
	if !logger.IsLevelEnabled(LogLevelVerbose) {
		t.Error("verbose should be enabled at debug level")
	}
	if logger.IsLevelEnabled(LogLevel("nope")) {
		t.Error("unknown level should not be enabled")
	}
}

func TestLogOperationStart(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	done := logger.LogOperationStart("manual_backup", map[string]interface{}{"source": "database"})
	done(nil)
	if !strings.Contains(buf.String(), "Operation completed") {
		t.Errorf("expected completion log, got %q", buf.String())
	}

	buf.Reset()
	done = logger.LogOperationStart("manual_backup", nil)
	done(errors.New("boom"))
	if !strings.Contains(buf.String(), "Operation failed") {
		t.Errorf("expected failure log, got %q", buf.String())
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := CreateContextWithRequestID(context.Background(), "req-42")
	if got := GetRequestIDFromContext(ctx); got != "req-42" {
		t.Errorf("GetRequestIDFromContext() = %q", got)
	}
	if got := GetRequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request id, got %q", got)
	}

	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})
	logger.WithContext(ctx).Info("traced")
	if !strings.Contains(buf.String(), "request_id=req-42") {
		t.Errorf("expected request id field, got %q", buf.String())
	}
}

func TestSanitizeArgs(t *testing.T) {
	in := []string{"--host=db", "--password=secret", "-psecret", "-p", "shop"}
	got := SanitizeArgs(in)

	want := []string{"--host=db", "--password=***", "-p***", "-p", "shop"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
	if in[1] != "--password=secret" {
		t.Error("input slice must not be modified")
	}
}
