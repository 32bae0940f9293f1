package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	entry := GetLogger().WithComponent("router")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "router" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
	nested := entry.WithField("symbol", "BTC-USD")
	if v := nested.Entry.Data["component"]; v != "router" {
		t.Fatalf("component lost through chaining: %v", nested.Entry.Data)
	}
}

func TestConfigure(t *testing.T) {
	cases := []struct {
		name    string
		level   string
		format  string
		output  string
		wantErr bool
	}{
		{"json stdout", "debug", "json", "stdout", false},
		{"text stderr", "warn", "text", "stderr", false},
		{"default format and output", "info", "", "", false},
		{"invalid level", "loud", "json", "stdout", true},
		{"invalid format", "info", "xml", "stdout", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", "")
			err := GetLogger().Configure(tc.level, tc.format, tc.output, 0)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Configure(%q, %q, %q) error = %v, wantErr %v",
					tc.level, tc.format, tc.output, err, tc.wantErr)
			}
		})
	}
	if err := GetLogger().Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("restore defaults: %v", err)
	}
}

func TestConfigureEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log := GetLogger()
	if err := log.Configure("error", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		t.Fatal("LOG_LEVEL env should override the configured level")
	}
	t.Setenv("LOG_LEVEL", "")
	if err := log.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("restore defaults: %v", err)
	}
}

func TestCallerResolvesOutsideLoggerInternals(t *testing.T) {
	log := GetLogger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stdout)

	log.WithComponent("test").Info("caller check")

	out := buf.String()
	if !strings.Contains(out, `"file":`) {
		t.Fatalf("no caller recorded: %s", out)
	}
	if strings.Contains(out, "logger.go") || strings.Contains(out, "caller_hook.go") {
		t.Fatalf("caller resolved inside the logger package: %s", out)
	}
}

func TestLogMetricEmitsStructuredLine(t *testing.T) {
	log := GetLogger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stdout)

	log.LogMetric("router", "routing_decisions", 1, Fields{"recommendation": "single"})

	out := buf.String()
	for _, want := range []string{
		`"metric":"routing_decisions"`,
		`"component":"router"`,
		`"recommendation":"single"`,
		`"value":1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metric line missing %s: %s", want, out)
		}
	}
}
