package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)

	token, err := mgr.Generate("user-1", "alice", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	id, err := mgr.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user-1" || id.Username != "alice" || id.Role != "user" {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyExpired(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	token, err := mgr.GenerateExpired("user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := mgr.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Hour).Generate("user-1", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := NewJWTManager("secret-b", time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyMissingSubject(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	token, err := mgr.Generate("", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := mgr.Verify(token); !errors.Is(err, ErrMissingSubject) {
		t.Errorf("err = %v, want ErrMissingSubject", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	if _, err := mgr.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		want   string
	}{
		{"query wins", "?token=q-token", "Bearer h-token", "q-token"},
		{"header fallback", "", "Bearer h-token", "h-token"},
		{"malformed header", "", "Basic abc", ""},
		{"neither", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
