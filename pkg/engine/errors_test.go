package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want []string
	}{
		{
			name: "message only",
			err:  NewValidationError("size must be positive", nil),
			want: []string{"[validation]", "size must be positive"},
		},
		{
			name: "resource and operation",
			err:  NewConnectivityError("request failed", nil).WithResource("vol1").WithOperation("GetVolume"),
			want: []string{"[connectivity]", "resource=vol1", "operation=GetVolume"},
		},
		{
			name: "stage and cause",
			err:  NewPartialError("intent failed", errors.New("boom")).WithStage(StageAccessGranted),
			want: []string{"[partial]", "at stage AccessGranted", ": boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, part := range tt.want {
				if !strings.Contains(msg, part) {
					t.Errorf("Expected %q to contain %q", msg, part)
				}
			}
		})
	}
}

func TestEngineError_DefaultCodes(t *testing.T) {
	tests := []struct {
		err  *EngineError
		code string
	}{
		{NewConnectivityError("x", nil), ErrCodeUnreachable},
		{NewConfigurationError("x", nil), ErrCodeConfiguration},
		{NewTransientError("x", nil), ErrCodeTimeout},
		{NewValidationError("x", nil), ErrCodeValidation},
	}

	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("Expected %s error to default to %s, got %s", tt.err.Class, tt.code, tt.err.Code)
		}
	}
}

func TestEngineError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewValidationError("no", nil).WithCode(ErrCodeNotConfirmed))

	if !errors.Is(err, &EngineError{Class: ErrorClassValidation, Code: ErrCodeNotConfirmed}) {
		t.Error("Expected errors.Is to match on class and code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassValidation, Code: ErrCodeInUse}) {
		t.Error("Expected errors.Is not to match a different code")
	}
}

func TestClassification_WalksChain(t *testing.T) {
	cause := NewTransientError("LUN not visible", nil)
	partial := NewPartialError("provision failed after mutation", cause)

	if !IsPartial(partial) {
		t.Error("Expected partial classification")
	}
	if !IsTransient(partial) {
		t.Error("Expected the transient cause to remain visible")
	}
	if !IsRetryable(cause) {
		t.Error("Expected transient errors to be retryable")
	}
	if IsRetryable(NewConnectivityError("down", nil)) {
		t.Error("Expected connectivity errors not to be retryable")
	}
	if IsValidation(errors.New("plain")) {
		t.Error("Expected plain errors to have no class")
	}
	if IsConnectivity(nil) {
		t.Error("Expected nil to have no class")
	}
}

func TestAsEngineError(t *testing.T) {
	if AsEngineError(errors.New("plain")) != nil {
		t.Error("Expected nil for a plain error")
	}
	inner := NewConfigurationError("bad pattern", nil)
	got := AsEngineError(fmt.Errorf("context: %w", inner))
	if got != inner {
		t.Errorf("Expected the wrapped EngineError, got %v", got)
	}
}

func TestEngineError_WithDetail(t *testing.T) {
	err := NewConfigurationError("ambiguous", nil).
		WithDetail("pattern", "^prod").
		WithDetail("candidates", []string{"a", "b"})

	if err.Details["pattern"] != "^prod" {
		t.Errorf("Expected pattern detail, got %v", err.Details["pattern"])
	}
	if c, ok := err.Details["candidates"].([]string); !ok || len(c) != 2 {
		t.Errorf("Expected two candidates, got %v", err.Details["candidates"])
	}
}

func TestAsConnectivity(t *testing.T) {
	plain := asConnectivity("list failed", errors.New("dial tcp: refused"))
	if !IsConnectivity(plain) {
		t.Errorf("Expected unclassified errors to become connectivity, got %v", plain)
	}

	classified := asConnectivity("grant failed", NewValidationError("group missing", nil))
	if IsConnectivity(classified) {
		t.Error("Expected an already classified error to keep its class")
	}
	if !IsValidation(classified) {
		t.Errorf("Expected validation class to survive wrapping, got %v", classified)
	}
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
