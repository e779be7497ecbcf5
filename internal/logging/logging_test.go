package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func TestFilterDropsDebugByDefault(t *testing.T) {
	var buf bytes.Buffer
	base := log.NewJSONLogger(&buf)
	filtered := level.NewFilter(base, filterOption(""))

	level.Debug(filtered).Log("msg", "should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected debug log to be filtered out, got %q", buf.String())
	}

	level.Info(filtered).Log("msg", "should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected info log to pass the filter, got %q", buf.String())
	}
}

func TestComponentTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	base := log.NewJSONLogger(&buf)
	c := Component(base, "wal")
	c.Log("msg", "hello")
	if !strings.Contains(buf.String(), `"component":"wal"`) {
		t.Fatalf("expected component tag in output, got %q", buf.String())
	}
}
