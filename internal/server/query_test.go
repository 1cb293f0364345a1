package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeQueryRequest(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		wantOK     bool
		wantStatus int
		wantCode   string
	}{
		{name: "valid", body: `{"query": "what is amber"}`, wantOK: true},
		{name: "missing query", body: `{}`, wantStatus: http.StatusUnprocessableEntity, wantCode: codeValidation},
		{name: "blank query", body: `{"query": "   "}`, wantStatus: http.StatusUnprocessableEntity, wantCode: codeValidation},
		{name: "malformed body", body: `not-json`, wantStatus: http.StatusBadRequest, wantCode: codeBadRequest},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(c.body))
			w := httptest.NewRecorder()

			req, ok := decodeQueryRequest(w, r)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if c.wantOK {
				if req.Query == "" {
					t.Error("decoded request lost the query")
				}
				return
			}

			if w.Code != c.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, c.wantStatus)
			}
			var body apiError
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshaling error body: %v", err)
			}
			if body.Code != c.wantCode {
				t.Errorf("code = %q, want %q", body.Code, c.wantCode)
			}
		})
	}
}
