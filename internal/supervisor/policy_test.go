package supervisor

import (
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func delays(t *testing.T, p RetryPolicy, n int) ([]time.Duration, int) {
	t.Helper()
	b := p.BackOff()
	var out []time.Duration
	for attempt := 1; attempt <= n; attempt++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out, attempt
		}
		out = append(out, d)
	}
	return out, 0
}

func TestImmediate(t *testing.T) {
	got, stop := delays(t, Immediate(), 1000)
	if stop != 0 {
		t.Fatalf("immediate policy stopped at attempt %d", stop)
	}
	for i, d := range got {
		if d != 0 {
			t.Fatalf("delay %d = %s, want 0", i+1, d)
		}
	}
}

func TestFixedDelay(t *testing.T) {
	got, stop := delays(t, FixedDelay(2*time.Second), 10)
	if stop != 0 {
		t.Fatalf("fixed policy stopped at attempt %d", stop)
	}
	for _, d := range got {
		if d != 2*time.Second {
			t.Fatalf("delays = %v", got)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	got, _ := delays(t, ExponentialBackoff(100*time.Millisecond, time.Second), 7)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}

	// Without a cap a long run must not overflow into a negative delay.
	got, stop := delays(t, ExponentialBackoff(time.Millisecond, 0), 200)
	if stop != 0 {
		t.Fatalf("uncapped policy stopped at attempt %d", stop)
	}
	if got[9] != 512*time.Millisecond {
		t.Fatalf("delay 10 = %s", got[9])
	}
	for i, d := range got {
		if d <= 0 {
			t.Fatalf("delay %d = %s", i+1, d)
		}
	}
}

func TestExponentialBackoff_FreshSchedule(t *testing.T) {
	p := ExponentialBackoff(time.Second, time.Minute)
	first := p.BackOff()
	first.NextBackOff()
	first.NextBackOff()
	if d := p.BackOff().NextBackOff(); d != time.Second {
		t.Fatalf("new schedule starts at %s, want 1s", d)
	}
}

func TestWithMaxAttempts(t *testing.T) {
	got, stop := delays(t, WithMaxAttempts(FixedDelay(time.Second), 3), 10)
	if stop != 3 {
		t.Fatalf("stopped at attempt %d, want 3", stop)
	}
	if len(got) != 2 {
		t.Fatalf("delays = %v, want two", got)
	}

	if p := WithMaxAttempts(Immediate(), 0); p != Immediate() {
		t.Fatalf("WithMaxAttempts(p, 0) = %v, want p unchanged", p)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		maxDelay time.Duration
		attempts int
		want     string
		wantErr  bool
	}{
		{name: "", want: "immediate"},
		{name: "immediate", want: "immediate"},
		{name: "IMMEDIATE", attempts: 3, want: "immediate, at most 3 launches"},
		{name: "fixed", delay: time.Second, want: "fixed(1s)"},
		{name: "fixed", wantErr: true},
		{name: "exponential", delay: time.Second, maxDelay: time.Minute, want: "exponential(1s..1m0s)"},
		{name: "backoff", delay: time.Second, want: "exponential(1s..0s)"},
		{name: "exponential", wantErr: true},
		{name: "exponential", delay: time.Minute, maxDelay: time.Second, wantErr: true},
		{name: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePolicy(tt.name, tt.delay, tt.maxDelay, tt.attempts)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePolicy failed: %v", err)
			}
			if got := fmt.Sprint(p); got != tt.want {
				t.Fatalf("policy = %q, want %q", got, tt.want)
			}
		})
	}
}
