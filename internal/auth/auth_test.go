package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/gfxqueue/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "empty input denied", stored: "abc", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			err := (StaticToken{Token: tc.stored}).Validate("main", tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestQueueTokensValidate(t *testing.T) {
	testlog.Start(t)
	v := QueueTokens{
		Default:  "shared",
		PerQueue: map[string]string{"overlay": "ov", "debug": ""},
	}
	tests := []struct {
		queue   string
		token   string
		wantErr error
	}{
		{queue: "main", token: "shared", wantErr: nil},
		{queue: "main", token: "ov", wantErr: ErrUnauthorized},
		{queue: "overlay", token: "ov", wantErr: nil},
		{queue: "overlay", token: "shared", wantErr: ErrUnauthorized},
		{queue: "debug", token: "shared", wantErr: nil},
		{queue: "debug", token: "", wantErr: ErrUnauthorized},
	}
	for _, tc := range tests {
		if err := v.Validate(tc.queue, tc.token); !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s/%q: expected %v, got %v", tc.queue, tc.token, tc.wantErr, err)
		}
	}
	if v.Open() {
		t.Fatalf("expected tokens to be required")
	}

	open := QueueTokens{PerQueue: map[string]string{"main": ""}}
	if !open.Open() {
		t.Fatalf("expected no token requirement")
	}
	if err := open.Validate("main", ""); err != nil {
		t.Fatalf("expected open queue to accept, got %v", err)
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(queue, token string) error {
		if queue != "main" || token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("main", "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("main", "ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}
