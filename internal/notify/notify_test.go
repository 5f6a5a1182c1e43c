package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/memory"
)

func TestWebhookNotifierSignsAndAuthenticates(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)

	var got protocol.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hook-token", r.Header.Get("Authorization"))
		assert.Equal(t, signer.KeyID, r.Header.Get("X-Signoff-Key-Id"))
		body, _ := io.ReadAll(r.Body)
		assert.True(t, crypto.Verify(signer.Public, body, r.Header.Get("X-Signoff-Signature")))
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookOptions{URL: srv.URL, Token: "hook-token", Signer: signer, RatePerSecond: 50, Burst: 5})
	require.NoError(t, err)
	err = n.Deliver(context.Background(), protocol.Notification{
		ID:          "ntf_1",
		EnvelopeID:  "env_1",
		RecipientID: "rcp_1",
		EventType:   protocol.NotifySigningRequest,
		Link:        "https://sign.example.com/v1/sign/tok",
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "env_1", got.EnvelopeID)
}

func TestWebhookNotifierReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailer down", http.StatusBadGateway)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookOptions{URL: srv.URL})
	require.NoError(t, err)
	err = n.Deliver(context.Background(), protocol.Notification{ID: "ntf_2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestOutboxNotifierQueues(t *testing.T) {
	store := memory.New()
	n := NewOutboxNotifier(store)
	require.NoError(t, n.Deliver(context.Background(), protocol.Notification{ID: "ntf_3", EnvelopeID: "env_1"}))
	items, err := store.FetchPendingNotifications(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ntf_3", items[0].Notification.ID)
}
