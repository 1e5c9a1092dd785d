package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cli struct {
		Config `embed:""`
	}
	parser, err := kong.New(&cli, kong.Exit(func(int) { t.Fatal("kong exited") }))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	_, err = parser.Parse(args)
	return &cli.Config, err
}

func TestDefaults(t *testing.T) {
	t.Setenv("ACCUWEATHER_API_KEY", "")
	cfg, err := parse(t)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RateLimit != 50 || cfg.RateWindow != time.Hour {
		t.Errorf("rate limit = %d per %s, want 50 per hour", cfg.RateLimit, cfg.RateWindow)
	}
	if cfg.MinResults != 2 || cfg.MinConfidence != 0.7 || cfg.LLMThreshold != 0.7 {
		t.Errorf("router = %d/%g, llm = %g", cfg.MinResults, cfg.MinConfidence, cfg.LLMThreshold)
	}
	if cfg.CollectSchedule != "0 5,11,17,23 * * *" {
		t.Errorf("collect schedule = %q", cfg.CollectSchedule)
	}
	if cfg.Location().String() != "Asia/Seoul" {
		t.Errorf("location = %s", cfg.Location())
	}
	if err := cfg.RequireUpstream(); err == nil {
		t.Error("RequireUpstream passed without a key")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ACCUWEATHER_API_KEY", "abc")
	t.Setenv("ACCUWEATHER_RATE_LIMIT", "10")
	t.Setenv("ROUTER_MIN_CONFIDENCE", "0.5")

	cfg, err := parse(t, "--port=9090")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RateLimit != 10 || cfg.MinConfidence != 0.5 || cfg.Port != "9090" {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := cfg.RequireUpstream(); err != nil {
		t.Errorf("RequireUpstream: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"confidence above one", []string{"--min-confidence=1.5"}, "router min confidence"},
		{"negative llm threshold", []string{"--llm-threshold=-0.1"}, "llm threshold"},
		{"zero rate limit", []string{"--rate-limit=0"}, "rate limit"},
		{"zero min results", []string{"--min-results=0"}, "min results"},
		{"negative max candidates", []string{"--max-candidates=-1"}, "max candidates"},
		{"bad schedule", []string{"--collect-schedule=every day"}, "collect schedule"},
		{"bad timezone", []string{"--timezone=Mars/Olympus"}, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateAcceptsBoundaries(t *testing.T) {
	cfg, err := parse(t, "--min-confidence=0", "--llm-threshold=1", "--max-candidates=0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MinConfidence != 0 || cfg.MaxCandidates != 0 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "TOWNLY_CONFIG_TEST_SECRET"
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv(key) })

	LoadDotEnv(path)
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q, want from-file", key, got)
	}

	// Missing files are ignored.
	LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}
