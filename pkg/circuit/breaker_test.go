package circuit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxFailures:     2,
		SuccessRequired: 2,
		Timeout:         20 * time.Millisecond,
		ResetTimeout:    time.Minute,
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	cb := New(nil)
	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want closed", cb.GetState())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	cb := New(fastConfig())
	failing := func() error { return fmt.Errorf("boom") }

	for range 2 {
		_ = cb.Execute(context.Background(), failing)
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v after max failures, want open", cb.GetState())
	}

	// open circuit rejects without executing
	calls := 0
	err := cb.Execute(context.Background(), func() error {
		calls++
		return nil
	})
	if err == nil {
		t.Error("open circuit must reject")
	}
	if calls != 0 {
		t.Error("open circuit must not execute the function")
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := New(fastConfig())
	failing := func() error { return fmt.Errorf("boom") }
	ok := func() error { return nil }

	for range 2 {
		_ = cb.Execute(context.Background(), failing)
	}

	// wait for the half-open window
	time.Sleep(30 * time.Millisecond)

	for range 2 {
		if err := cb.Execute(context.Background(), ok); err != nil {
			t.Fatalf("half-open probe failed: %v", err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v after recovery, want closed", cb.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(fastConfig())
	failing := func() error { return fmt.Errorf("boom") }

	for range 2 {
		_ = cb.Execute(context.Background(), failing)
	}
	time.Sleep(30 * time.Millisecond)

	_ = cb.Execute(context.Background(), failing)
	if cb.GetState() != StateOpen {
		t.Errorf("state = %v after half-open failure, want open", cb.GetState())
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := New(fastConfig())
	for range 2 {
		_ = cb.Execute(context.Background(), func() error { return fmt.Errorf("boom") })
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("state = %v after reset, want closed", cb.GetState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(fastConfig())

	got, err := ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("ExecuteWithResult = (%q, %v)", got, err)
	}
}

func TestState_String(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half-open" {
		t.Error("state names are wrong")
	}
}
