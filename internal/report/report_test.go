package report

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func TestNewWithoutTokenLogsOnly(t *testing.T) {
	var buf bytes.Buffer
	reporter := New(log.New(&buf, "", 0), "", "test", "dev")
	if _, ok := reporter.(*LogReporter); !ok {
		t.Fatalf("expected LogReporter without token, got %T", reporter)
	}

	reporter.Error("batch item failed", errors.New("question not in group"), map[string]any{"questionId": 42})
	reporter.Close()

	line := buf.String()
	if !strings.Contains(line, "batch item failed") || !strings.Contains(line, "question not in group") || !strings.Contains(line, "questionId:42") {
		t.Fatalf("unexpected log line %q", line)
	}
}
