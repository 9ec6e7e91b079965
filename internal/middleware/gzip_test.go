package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stakeBody = `{"amount":100,"plan":7,"asset":"0x0000000000000000000000000000000000005a5e"}`

// stakeEchoHandler разбирает тело стейка и возвращает его обратно в JSON.
func stakeEchoHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req struct {
		Amount int64  `json:"amount"`
		Plan   int    `json:"plan"`
		Asset  string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad stake body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(req)
}

func gzipBytes(t *testing.T, payload string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		compressBody    bool
		acceptGzip      bool
		wantEncoding    string
		wantStatus      int
		wantBodyContain string
	}{
		{
			name:            "plain stake, gzip response",
			acceptGzip:      true,
			wantEncoding:    "gzip",
			wantStatus:      http.StatusOK,
			wantBodyContain: `"Amount":100`,
		},
		{
			name:            "plain stake, client without gzip",
			wantStatus:      http.StatusOK,
			wantBodyContain: `"Plan":7`,
		},
		{
			name:            "gzip-encoded stake body",
			compressBody:    true,
			acceptGzip:      true,
			wantEncoding:    "gzip",
			wantStatus:      http.StatusOK,
			wantBodyContain: `"Asset":"0x0000000000000000000000000000000000005a5e"`,
		},
		{
			name:            "gzip-encoded stake body, plain response",
			compressBody:    true,
			wantStatus:      http.StatusOK,
			wantBodyContain: `"Amount":100`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(stakeBody)
			if tt.compressBody {
				body = gzipBytes(t, stakeBody)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/user/stake", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			rec := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(stakeEchoHandler)).ServeHTTP(rec, req)

			res := rec.Result()
			defer res.Body.Close()

			require.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))
			assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

			var reader io.Reader = res.Body
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				require.NoError(t, err)
				defer gr.Close()
				reader = gr
			}
			got, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Contains(t, string(got), tt.wantBodyContain)
		})
	}
}

func TestGzipMiddleware_BrokenRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/user/stake", strings.NewReader(stakeBody))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()

	GzipMiddleware(http.HandlerFunc(stakeEchoHandler)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGzipMiddleware_NoContent(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/user/events", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Zero(t, rec.Body.Len())
}
