package tools

import (
	"context"
	"testing"
)

func TestSessionFromContext(t *testing.T) {
	tests := []struct {
		name        string
		ctx         context.Context
		wantUser    string
		wantSession string
	}{
		{"empty when unset", context.Background(), "", ""},
		{"round trip", WithSession(context.Background(), "u1", "s1"), "u1", "s1"},
		{"partial", WithSession(context.Background(), "", "s1"), "", "s1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, s := SessionFromContext(tt.ctx)
			if u != tt.wantUser || s != tt.wantSession {
				t.Errorf("SessionFromContext() = (%q, %q), want (%q, %q)", u, s, tt.wantUser, tt.wantSession)
			}
		})
	}
}
