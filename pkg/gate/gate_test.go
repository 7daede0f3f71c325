package gate_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/openfroyo/dsctl/pkg/engine"
	"github.com/openfroyo/dsctl/pkg/gate"
)

func TestStatic_Confirm(t *testing.T) {
	tests := []struct {
		name    string
		given   string
		wantErr bool
	}{
		{"matching", "prod-ds-01", false},
		{"empty", "", true},
		{"other datastore", "prod-ds-02", true},
		{"case differs", "PROD-DS-01", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := gate.Static{Name: tt.given}.Confirm(context.Background(), "prod-ds-01")
			if tt.wantErr {
				if !errors.Is(err, engine.NewValidationError("", nil).WithCode(engine.ErrCodeNotConfirmed)) {
					t.Errorf("Expected NOT_CONFIRMED, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !c.Valid("prod-ds-01") {
				t.Error("Expected a token valid for prod-ds-01")
			}
			if c.Valid("prod-ds-02") {
				t.Error("Expected the token to be bound to one datastore")
			}
		})
	}
}

func interactive() bool { return true }

func TestPrompt_Confirm(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"typed name", "prod-ds-01\n", false},
		{"windows line ending", "prod-ds-01\r\n", false},
		{"no trailing newline", "prod-ds-01", false},
		{"wrong name", "prod-ds-02\n", true},
		{"yes is not enough", "yes\n", true},
		{"closed input", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := &gate.Prompt{In: strings.NewReader(tt.input), Out: &out, Interactive: interactive}
			c, err := p.Confirm(context.Background(), "prod-ds-01")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && !c.Valid("prod-ds-01") {
				t.Error("Expected a valid token")
			}
			if !strings.Contains(out.String(), "prod-ds-01") {
				t.Errorf("Expected the prompt to name the datastore, got %q", out.String())
			}
		})
	}
}

func TestPrompt_NotInteractive(t *testing.T) {
	p := &gate.Prompt{In: strings.NewReader("prod-ds-01\n"), Out: io.Discard, Interactive: func() bool { return false }}
	_, err := p.Confirm(context.Background(), "prod-ds-01")
	if !engine.IsValidation(err) {
		t.Errorf("Expected validation error without a terminal, got %v", err)
	}
}

func TestPrompt_Cancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &gate.Prompt{In: r, Out: io.Discard, Interactive: interactive}
	_, err := p.Confirm(ctx, "prod-ds-01")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
