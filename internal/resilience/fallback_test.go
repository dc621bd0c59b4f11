package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failing  map[string]bool
		wantUsed string
		wantErr  bool
	}{
		{"primary succeeds", nil, "primary", false},
		{"primary fails", map[string]bool{"primary": true}, "secondary", false},
		{"two fail", map[string]bool{"primary": true, "secondary": true}, "tertiary", false},
		{"all fail", map[string]bool{"primary": true, "secondary": true, "tertiary": true}, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
			fg.AddFallback("secondary", "secondary")
			fg.AddFallback("tertiary", "tertiary")

			var used string
			err := fg.Execute(func(v string) error {
				if tc.failing[v] {
					return errTest
				}
				used = v
				return nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if used != tc.wantUsed {
				t.Errorf("used = %q, want %q", used, tc.wantUsed)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	primaryCalls := 0
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				primaryCalls++
				return errTest
			}
			return nil
		})
	}

	var called string
	if err := fg.Execute(func(v string) error {
		if v == "primary" {
			primaryCalls++
		}
		called = v
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" || primaryCalls != 2 {
		t.Fatalf("called = %q after %d primary calls; the open primary must be skipped", called, primaryCalls)
	}
	if s := fg.States()["primary"]; s != StateOpen {
		t.Errorf("primary state = %v, want open", s)
	}
	if fg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", fg.Len())
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(0, "zero", FallbackConfig{})
	fg.AddFallback("seven", 7)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 0 {
			return "", errTest
		}
		return "got seven", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "got seven" {
		t.Errorf("result = %q, want %q", got, "got seven")
	}

	_, err = ExecuteWithResult(fg, func(int) (string, error) { return "", errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
