package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// stubAuthenticator accepts tokens of the form "valid-<user>".
type stubAuthenticator struct{}

func (stubAuthenticator) Authenticate(token string) (string, error) {
	if user, ok := strings.CutPrefix(token, "valid-"); ok && user != "" {
		return user, nil
	}
	return "", errors.New("invalid token")
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"Bearer   padded  ", "padded", true},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"abc.def.ghi", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/events/evt-1/graph", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantAdmin  string
	}{
		{"valid token", "Bearer valid-admin-1", http.StatusOK, "admin-1"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"rejected token", "Bearer forged", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAdmin string
			handler := RequireAdmin(stubAuthenticator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAdmin = GetAdminID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPut, "/events/evt-1/close", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if gotAdmin != tt.wantAdmin {
				t.Errorf("admin id = %q, want %q", gotAdmin, tt.wantAdmin)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if !strings.Contains(rr.Body.String(), `"code":"auth_failed"`) {
					t.Errorf("body = %s, want auth_failed envelope", rr.Body.String())
				}
			}
		})
	}
}
