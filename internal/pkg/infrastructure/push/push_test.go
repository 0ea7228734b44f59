package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

func TestConfig(t *testing.T) {
	is := is.New(t)
	config := strings.NewReader(`
notifications:
  - id: fall-alerts
    name: Guardian fall alerts
    type: smartstick.fallAlert
    subscribers:
    - endpoint: http://push-gateway:8990
      auth:
        tokenUrl: http://auth/token
        clientId: guardian-monitor
        clientSecret: secret
`)
	cfg, err := LoadConfiguration(config)

	is.NoErr(err)
	is.Equal(len(cfg.Notifications), 1)
	is.Equal(cfg.Notifications[0].Type, EventType)
	is.Equal(cfg.Notifications[0].Subscribers[0].Auth.ClientID, "guardian-monitor")
}

func TestRegisterMovesTokenToNewUser(t *testing.T) {
	is, ctx, r := testSetup(t)

	is.NoErr(r.Register(ctx, "g1", "token-a"))
	is.NoErr(r.Register(ctx, "g1", "token-b"))
	is.NoErr(r.Register(ctx, "g2", "token-a"))

	g1, err := r.TokensFor(ctx, "g1")
	is.NoErr(err)
	is.Equal(g1, []string{"token-b"})

	g2, _ := r.TokensFor(ctx, "g2")
	is.Equal(g2, []string{"token-a"})

	is.NoErr(r.Unregister(ctx, "token-a"))
	g2, _ = r.TokensFor(ctx, "g2")
	is.Equal(len(g2), 0)

	is.Equal(r.Register(ctx, "g1", " "), ErrInvalidToken)
}

func TestNotifyPostsCloudEvent(t *testing.T) {
	is, ctx, r := testSetup(t)
	is.NoErr(r.Register(ctx, "g1", "token-a"))

	var mu sync.Mutex
	var eventType string
	var msg Message

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		eventType = req.Header.Get("Ce-Type")
		json.NewDecoder(req.Body).Decode(&msg)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &Config{Notifications: []NotificationConfig{{
		ID:          "fall-alerts",
		Type:        EventType,
		Subscribers: []SubscriberConfig{{Endpoint: srv.URL}},
	}}}

	s, err := New(ctx, cfg, r)
	is.NoErr(err)

	err = s.Notify(ctx, types.Device{ID: "STICK-001", AssignedTo: "g1", UserName: "Ravi"})
	is.NoErr(err)

	mu.Lock()
	defer mu.Unlock()
	is.Equal(eventType, EventType)
	is.Equal(msg.DeviceID, "STICK-001")
	is.Equal(msg.Tokens, []string{"token-a"})
	is.Equal(msg.Notification.Title, "FALL DETECTED!")
	is.Equal(msg.Notification.Tag, "fall-alert")
	is.True(msg.Notification.RequireInteraction)
	is.Equal(len(msg.Notification.Actions), 2)
}

func TestNotifyWithoutSubscribersIsNoop(t *testing.T) {
	is, ctx, r := testSetup(t)

	s, err := New(ctx, nil, r)
	is.NoErr(err)
	is.NoErr(s.Notify(ctx, types.Device{ID: "STICK-001"}))
}

func TestNotifyReportsRefusedConnection(t *testing.T) {
	is, ctx, r := testSetup(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	cfg := &Config{Notifications: []NotificationConfig{{
		Type:        EventType,
		Subscribers: []SubscriberConfig{{Endpoint: endpoint}},
	}}}

	s, _ := New(ctx, cfg, r)
	is.True(s.Notify(ctx, types.Device{ID: "STICK-001"}) != nil)
}

func testSetup(t *testing.T) (*is.I, context.Context, Registry) {
	is := is.New(t)

	r, err := NewRegistry(storage.NewSQLiteConnector(zerolog.Nop(), ""))
	is.NoErr(err)

	return is, context.Background(), r
}
