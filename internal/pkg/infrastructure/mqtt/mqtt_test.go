package mqtt

import (
	"context"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
)

func TestMessageIsStoredUnderSourceID(t *testing.T) {
	is, ctx, store := testSetup(t)

	handler := NewMessageHandler(ctx, store)
	handler(nil, &message{topic: "SmartStickData/esp32-a", payload: []byte(`{"uptime_seconds":1}`)})
	handler(nil, &message{topic: "SmartStickData/esp32-a", payload: []byte(`{"uptime_seconds":2}`)})

	samples, err := store.Samples(ctx)
	is.NoErr(err)
	is.Equal(len(samples), 1)
	is.Equal(string(samples["esp32-a"]), `{"uptime_seconds":2}`)
}

func TestMessageWithoutSourceIsIgnored(t *testing.T) {
	is, ctx, store := testSetup(t)

	NewMessageHandler(ctx, store)(nil, &message{topic: "SmartStickData/", payload: []byte(`{}`)})

	samples, err := store.Samples(ctx)
	is.NoErr(err)
	is.Equal(len(samples), 0)
}

func testSetup(t *testing.T) (*is.I, context.Context, storage.Store) {
	is := is.New(t)

	s, err := storage.New(storage.NewSQLiteConnector(zerolog.Nop(), ""))
	is.NoErr(err)

	return is, context.Background(), s
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 1 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 1 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
