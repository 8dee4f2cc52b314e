package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestWithLogger_FromContext(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := WithLogger(context.Background(), l)
	FromContext(ctx).Info("test message")
	if buf.Len() == 0 {
		t.Error("logger from context produced no output")
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != Default() {
		t.Error("FromContext() should fall back to Default()")
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("RequestIDFromContext() = %q, want empty", got)
	}
	ctx = WithRequestID(ctx, "01HZX")
	if got := RequestIDFromContext(ctx); got != "01HZX" {
		t.Errorf("RequestIDFromContext() = %q", got)
	}
}

func TestL(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
	}{
		{"with request id", "01HZX"},
		{"without request id", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := New(Config{Level: "info", Format: "json", Output: &buf})
			if err != nil {
				t.Fatal(err)
			}
			ctx := WithLogger(context.Background(), l)
			if tt.requestID != "" {
				ctx = WithRequestID(ctx, tt.requestID)
			}
			L(ctx).Info("served")

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatal(err)
			}
			got, ok := entry["request_id"]
			if tt.requestID == "" {
				if ok {
					t.Errorf("unexpected request_id %v", got)
				}
				return
			}
			if got != tt.requestID {
				t.Errorf("request_id = %v, want %q", got, tt.requestID)
			}
		})
	}
}

func TestContextKeyCollision(t *testing.T) {
	ctx := context.WithValue(context.Background(), "rnode.request_id", "foreign")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("plain string key collided: %q", got)
	}
}
