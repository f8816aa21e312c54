package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/domain"
)

func TestWebhookSinkPostsJSON(t *testing.T) {
	var got domain.AlertEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	env := envelope("LIQUIDATION", "BTC", domain.SeverityHigh)
	require.NoError(t, sink.Deliver(context.Background(), env))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "LIQUIDATION", got.Kind)
}

func TestWebhookSinkNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Deliver(context.Background(), envelope("CASCADE", "BTC", domain.SeverityMed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRedisSinkPublishesPerSymbolChannel(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := &RedisSink{Client: db}

	env := envelope("CASCADE", "BTC", domain.SeverityHigh)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	mock.ExpectPublish("alerts:BTC", body).SetVal(1)

	require.NoError(t, sink.Deliver(context.Background(), env))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSinkPublishErrorPropagates(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := &RedisSink{Client: db}

	env := envelope("CASCADE", "ETH", domain.SeverityMed)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	mock.ExpectPublish("alerts:ETH", body).SetErr(context.DeadlineExceeded)

	require.Error(t, sink.Deliver(context.Background(), env))
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "alerts:BTC", ChannelFor("BTC"))
}
