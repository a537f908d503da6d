package logstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func setupRedis(t *testing.T) *redis.Client {
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "docker:logs:42", ChannelFor(42))
}

func TestPublisher_RateLimit(t *testing.T) {
	pub := NewPublisher(setupRedis(t), 1)
	pub.limiter = rate.NewLimiter(rate.Limit(1), 1)

	ctx := context.Background()
	pub.Publish(ctx, "line one")
	pub.Publish(ctx, "line two")
	pub.Publish(ctx, "line three")
	assert.EqualValues(t, 2, pub.Dropped())
}

func TestStreamer_Stream(t *testing.T) {
	cli := setupRedis(t)
	streamer := NewStreamer(cli)
	upgrader := websocket.Upgrader{}

	done := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- streamer.Stream(r.Context(), conn, 7)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "Connected to Docker log stream.", string(msg))

	// pub/sub has no replay, publish until the subscription catches one
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cli.Publish(context.Background(), ChannelFor(7), "stage output line")
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err = conn.ReadMessage()
	close(stop)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "stage output line", string(msg))

	// peer close ends the relay, with or without a final write error
	conn.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after peer close")
	}
}
