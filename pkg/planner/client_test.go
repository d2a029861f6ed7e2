package planner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preflight-health/preflight/pkg/config"
)

func newTestClient(url string) *Client {
	cfg := config.DefaultDispatchConfig()
	cfg.ProcessorURL = url
	return NewClient(cfg)
}

func TestClientPost(t *testing.T) {
	ctx := context.Background()

	t.Run("sends the dispatch body as JSON", func(t *testing.T) {
		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		status, err := newTestClient(server.URL).Post(ctx, Dispatch{
			RequestID:   "req-1",
			PatientData: json.RawMessage(`{"patientfirstname":"Ada"}`),
			BatchID:     "batch-1",
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)

		assert.Equal(t, "req-1", got["request_id"])
		assert.Equal(t, "batch-1", got["batch_id"])
		assert.Equal(t, map[string]any{"patientfirstname": "Ada"}, got["patient_data"])
	})

	t.Run("empty patient data becomes an empty object", func(t *testing.T) {
		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &got))
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).Post(ctx, Dispatch{RequestID: "req-2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{}, got["patient_data"])
	})

	t.Run("non-2xx is returned without an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "planner exploded", http.StatusBadGateway)
		}))
		defer server.Close()

		status, err := newTestClient(server.URL).Post(ctx, Dispatch{RequestID: "req-3"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, status)
	})

	t.Run("unreachable planner returns an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
		server.Close()

		_, err := newTestClient(server.URL).Post(ctx, Dispatch{RequestID: "req-4"})
		assert.Error(t, err)
	})
}
