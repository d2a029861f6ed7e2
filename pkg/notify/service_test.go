package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	err := s.RequestHumanInput(context.Background(), "req-1", "session_00")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when URL empty", func(t *testing.T) {
		assert.Nil(t, NewService(""))
	})

	t.Run("returns service when configured", func(t *testing.T) {
		assert.NotNil(t, NewService("http://hooks.example.com/hitl"))
	})
}

func TestService_RequestHumanInput(t *testing.T) {
	var got humanInputPayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewServiceWithClient(srv.URL, srv.Client())
	err := svc.RequestHumanInput(context.Background(), "req-42", "session_03")

	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "req-42", got.RequestID)
	assert.Equal(t, "session_03", got.SessionID)
}

func TestService_RequestHumanInput_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewServiceWithClient(srv.URL, srv.Client())
	err := svc.RequestHumanInput(context.Background(), "req-42", "session_03")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestService_RequestHumanInput_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // refuse connections

	svc := NewService(srv.URL)
	err := svc.RequestHumanInput(context.Background(), "req-42", "session_03")
	require.Error(t, err)
}
