package infra

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"WARN", false, false},
		{"", false, true},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		l := newLogger(&buf, tc.level)
		l.Debug("d")
		debug := buf.Len() > 0
		buf.Reset()
		l.Info("i")
		info := buf.Len() > 0
		if debug != tc.debugSeen || info != tc.infoSeen {
			t.Errorf("level %q: debug=%v info=%v, want %v %v", tc.level, debug, info, tc.debugSeen, tc.infoSeen)
		}
	}
}

func TestNewLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info").Info("accepted", "request_id", "r1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v (%s)", err, buf.String())
	}
	if rec["request_id"] != "r1" || rec["msg"] != "accepted" {
		t.Errorf("unexpected record %v", rec)
	}
}
