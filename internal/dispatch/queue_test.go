package dispatch

import (
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
	}
	for _, c := range cases {
		got := backoff(base, c.attempt)
		if got != c.want {
			t.Fatalf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoff_ClampsBelowOne(t *testing.T) {
	got := backoff(5*time.Second, 0)
	want := 5 * time.Second
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestJobKey(t *testing.T) {
	got := jobKey("task-123")
	want := "job:task-123"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Fatalf("expected default retry delay 5s, got %v", cfg.RetryDelay)
	}

	cfg = Config{MaxRetries: 7, RetryDelay: time.Second}.withDefaults()
	if cfg.MaxRetries != 7 || cfg.RetryDelay != time.Second {
		t.Fatalf("expected explicit values preserved, got %+v", cfg)
	}
}
