package security

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	operator, _ := GenerateToken("ops", RoleOperator, "evoshield", signingKey, time.Hour)
	viewer, _ := GenerateToken("dash", RoleViewer, "evoshield", signingKey, time.Hour)

	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = "anonymous"
		if c := ClaimsFrom(r.Context()); c != nil {
			subject = c.Subject
		}
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name        string
		secret      []byte
		method      string
		path        string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{"operator rollback", signingKey, http.MethodPost, "/api/agents/Lender/rollback", "Bearer " + operator, http.StatusNoContent, "ops"},
		{"viewer read", signingKey, http.MethodGet, "/api/agents", "bearer " + viewer, http.StatusNoContent, "dash"},
		{"viewer write", signingKey, http.MethodPost, "/api/decide", "Bearer " + viewer, http.StatusForbidden, ""},
		{"no header", signingKey, http.MethodGet, "/api/agents", "", http.StatusUnauthorized, ""},
		{"basic auth", signingKey, http.MethodGet, "/api/agents", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, ""},
		{"empty bearer", signingKey, http.MethodGet, "/api/agents", "Bearer ", http.StatusUnauthorized, ""},
		{"auth off", nil, http.MethodPost, "/api/nightly/retrain", "", http.StatusNoContent, "anonymous"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AuthMiddleware(tt.secret, "evoshield", logger)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if subject != tt.wantSubject {
				t.Errorf("handler saw subject %q, want %q", subject, tt.wantSubject)
			}
		})
	}
}
