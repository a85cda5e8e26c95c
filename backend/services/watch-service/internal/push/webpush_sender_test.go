package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/models"
)

const testEndpoint = "https://push.example.com/send/abc123"

func newTestSubscription(t *testing.T) models.Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return models.Subscription{
		ID:        "sub-1",
		StationID: "147988",
		Endpoint:  testEndpoint,
		Keys: models.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func newTestSender(t *testing.T, transport *httpmock.MockTransport) *WebPushSender {
	t.Helper()
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	sender, err := NewWebPushSender(WebPushConfig{
		Subscriber:      "mailto:ops@example.com",
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             time.Minute,
		Timeout:         time.Second,
	}, &http.Client{Transport: transport})
	require.NoError(t, err)
	return sender
}

func TestWebPushSenderDelivers(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, testEndpoint, httpmock.NewStringResponder(http.StatusCreated, ""))

	sender := newTestSender(t, transport)
	err := sender.Send(context.Background(), newTestSubscription(t), Message{Title: "Charger available", StationID: "147988", Port: 1})

	require.NoError(t, err)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestWebPushSenderClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "gone", status: http.StatusGone, permanent: true},
		{name: "not found", status: http.StatusNotFound, permanent: true},
		{name: "throttled", status: http.StatusTooManyRequests, permanent: false},
		{name: "server error", status: http.StatusBadGateway, permanent: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder(http.MethodPost, testEndpoint, httpmock.NewStringResponder(tc.status, ""))

			err := newTestSender(t, transport).Send(context.Background(), newTestSubscription(t), Message{Title: "x"})

			require.Error(t, err)
			var de *DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.status, de.StatusCode)
			assert.Equal(t, tc.permanent, IsPermanent(err))
		})
	}
}

func TestWebPushSenderTransportErrorIsTransient(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, testEndpoint, httpmock.NewErrorResponder(errors.New("connection reset")))

	err := newTestSender(t, transport).Send(context.Background(), newTestSubscription(t), Message{Title: "x"})

	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestNewWebPushSenderRequiresKeys(t *testing.T) {
	_, err := NewWebPushSender(WebPushConfig{Subscriber: "mailto:ops@example.com"}, nil)
	require.Error(t, err)

	_, err = NewWebPushSender(WebPushConfig{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"}, nil)
	require.Error(t, err)
}

func TestLogSenderNeverFails(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	require.NoError(t, sender.Send(context.Background(), models.Subscription{ID: "s"}, Message{Title: "x"}))
}
