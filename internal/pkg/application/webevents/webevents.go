package webevents

import (
	"encoding/json"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"
)

// AdminChannel receives every event. Guardians listen on a channel named
// after their user id.
const AdminChannel = "admin"

type WebEvents interface {
	http.Handler
	Shutdown()
	Publish(channel, event string, data any) error
}

type webEvents struct {
	s *gosse.Server
}

// New creates an event stream where each client is bound to the channel
// returned by channelName for its request.
func New(channelName func(r *http.Request) string) WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{
			ChannelNameFunc: channelName,
		}),
	}
}

func (we *webEvents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	we.s.ServeHTTP(w, r)
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

// Publish sends an event to the clients of one channel. Channels without
// connected clients drop the event.
func (we *webEvents) Publish(channel, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if channel == "" || !we.s.HasChannel(channel) {
		return nil
	}

	message := gosse.NewMessage("", string(b), event)
	we.s.SendMessage(channel, message)

	return nil
}
