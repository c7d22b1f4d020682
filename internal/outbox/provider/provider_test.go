package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/config"
)

func testClient(serverURL string) *Client {
	return NewClient(config.ProviderConfig{
		BaseURL: serverURL,
		APIKey:  "key_test",
		Timeout: 2 * time.Second,
	})
}

func TestSend(t *testing.T) {
	var received SendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer key_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(SendResult{MessageID: "prov-1"})
	}))
	defer server.Close()

	result, err := testClient(server.URL).Send(context.Background(), SendRequest{
		From:    "tickets@ticketly.com",
		To:      "jane@example.com",
		Subject: "Hi",
		Body:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-1", result.MessageID)
	assert.Equal(t, "jane@example.com", received.To)
}

func TestSendNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := testClient(server.URL).Send(context.Background(), SendRequest{To: "jane@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSendMissingMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).Send(context.Background(), SendRequest{To: "jane@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message_id")
}

func TestSendContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"message_id":"prov-1"}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := testClient(server.URL).Send(ctx, SendRequest{To: "jane@example.com"})
	assert.Error(t, err)
}
