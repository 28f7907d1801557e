package webhook

import (
	"testing"

	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"event_id":"evt-1"}`)
	good := Sign("s3cret", body)

	tests := []struct {
		name   string
		secret string
		header string
		body   []byte
		want   bool
	}{
		{"valid", "s3cret", good, body, true},
		{"valid with prefix", "s3cret", "sha256=" + good, body, true},
		{"tampered body", "s3cret", good, []byte(`{"event_id":"evt-2"}`), false},
		{"wrong secret", "other", good, body, false},
		{"missing header", "s3cret", "", body, false},
		{"non hex header", "s3cret", "not-hex!", body, false},
		{"truncated header", "s3cret", good[:10], body, false},
		{"empty secret", "", Sign("", body), body, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.header, tt.body); got != tt.want {
				t.Fatalf("Verify()=%v want %v", got, tt.want)
			}
		})
	}
}

func TestVerifier_Bypass(t *testing.T) {
	v := NewVerifier("s3cret", true, logger.NewNop())
	if !v.Verify("", []byte("anything")) {
		t.Fatal("expected bypass to accept")
	}
}

func TestVerifier_Strict(t *testing.T) {
	v := NewVerifier("s3cret", false, logger.NewNop())
	body := []byte("payload")
	if v.Verify("deadbeef", body) {
		t.Fatal("expected bad signature to be rejected")
	}
	if !v.Verify(Sign("s3cret", body), body) {
		t.Fatal("expected good signature to be accepted")
	}
}
