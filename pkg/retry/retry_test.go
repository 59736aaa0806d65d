package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// TestDelay tests the 1s/2s/4s schedule and its 30s cap.
func TestDelay(t *testing.T) {
	cfg := DefaultRetryConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{2000, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestRetryWithBackoff tests basic retry logic.
func TestRetryWithBackoff(t *testing.T) {
	t.Run("Success on first attempt", func(t *testing.T) {
		attempts := 0
		err := RetryWithBackoff(context.Background(), fastConfig(3), func() error {
			attempts++
			return nil
		})

		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("Success after retries", func(t *testing.T) {
		attempts := 0
		err := RetryWithBackoff(context.Background(), fastConfig(5), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("Max retries exceeded", func(t *testing.T) {
		attempts := 0
		sentinel := errors.New("persistent error")
		err := RetryWithBackoff(context.Background(), fastConfig(3), func() error {
			attempts++
			return sentinel
		})

		if !errors.Is(err, sentinel) {
			t.Errorf("Expected last error to be wrapped, got: %v", err)
		}
		// initial + 3 retries
		if attempts != 4 {
			t.Errorf("Expected 4 attempts, got %d", attempts)
		}
	})

	t.Run("Context cancellation", func(t *testing.T) {
		attempts := 0
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := RetryWithBackoff(ctx, DefaultRetryConfig(), func() error {
			attempts++
			return errors.New("error")
		})

		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled error, got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("Unlimited stops on context timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
		defer cancel()

		attempts := 0
		err := RetryWithBackoff(ctx, fastConfig(Unlimited), func() error {
			attempts++
			return errors.New("error")
		})

		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline error, got: %v", err)
		}
		if attempts < 2 {
			t.Errorf("Expected several attempts before timeout, got %d", attempts)
		}
	})

	t.Run("OnRetry sees the schedule", func(t *testing.T) {
		var delays []time.Duration
		cfg := fastConfig(4)
		cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		}

		_ = RetryWithBackoff(context.Background(), cfg, func() error {
			return errors.New("error")
		})

		want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}
		if len(delays) != len(want) {
			t.Fatalf("Expected %d retries, got %d", len(want), len(delays))
		}
		for i := range want {
			if delays[i] != want[i] {
				t.Errorf("Retry %d: expected delay %v, got %v", i+1, want[i], delays[i])
			}
		}
	})

	t.Run("Retry-After overrides computed delay", func(t *testing.T) {
		var got time.Duration
		cfg := fastConfig(1)
		cfg.RespectRetryAfter = true
		cfg.OnRetry = func(_ int, delay time.Duration, _ error) {
			got = delay
		}

		_ = RetryWithBackoff(context.Background(), cfg, func() error {
			return &RetryAfterError{After: 15 * time.Millisecond, Err: errors.New("busy")}
		})

		if got != 15*time.Millisecond {
			t.Errorf("Expected Retry-After delay 15ms, got %v", got)
		}
	})
}

// TestParseRetryAfter tests the seconds and HTTP date forms.
func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"seconds", "120", 2 * time.Minute, true},
		{"padded", " 5 ", 5 * time.Second, true},
		{"date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second, true},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"empty", "", 0, false},
		{"negative", "-3", 0, false},
		{"garbage", "soon", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, %v; expected %v, %v", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// TestFromResponse tests that only throttling responses with a header
// become a *RetryAfterError.
func TestFromResponse(t *testing.T) {
	base := errors.New("hub returned status")
	header := func(v string) http.Header {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		return h
	}

	tests := []struct {
		name      string
		resp      *http.Response
		wantAfter time.Duration
	}{
		{"429 with header", &http.Response{StatusCode: http.StatusTooManyRequests, Header: header("7")}, 7 * time.Second},
		{"503 with header", &http.Response{StatusCode: http.StatusServiceUnavailable, Header: header("2")}, 2 * time.Second},
		{"429 without header", &http.Response{StatusCode: http.StatusTooManyRequests, Header: header("")}, 0},
		{"400 with header", &http.Response{StatusCode: http.StatusBadRequest, Header: header("7")}, 0},
		{"no response", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromResponse(tt.resp, base)
			if !errors.Is(err, base) {
				t.Errorf("Expected wrapped base error, got %v", err)
			}
			var rae *RetryAfterError
			if errors.As(err, &rae) {
				if rae.After != tt.wantAfter {
					t.Errorf("Expected After %v, got %v", tt.wantAfter, rae.After)
				}
			} else if tt.wantAfter != 0 {
				t.Errorf("Expected *RetryAfterError, got %T", err)
			}
		})
	}

	if err := FromResponse(&http.Response{StatusCode: http.StatusTooManyRequests}, nil); err != nil {
		t.Errorf("Expected nil for nil error, got %v", err)
	}
}

// TestRetryWithBackoffResult tests retry with result return.
func TestRetryWithBackoffResult(t *testing.T) {
	attempts := 0
	result, err := RetryWithBackoffResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("temporary error")
		}
		return "connected", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if result != "connected" {
		t.Errorf("Expected result 'connected', got %s", result)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

// TestZeroRetries tests behavior with no retries.
func TestZeroRetries(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastConfig(0), func() error {
		attempts++
		return errors.New("error")
	})

	if err == nil {
		t.Error("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt with 0 retries, got %d", attempts)
	}
}
