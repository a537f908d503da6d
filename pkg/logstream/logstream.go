// Copyright 2024 The reprun.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logstream moves live container output to watching browsers: the
// worker publishes lines to a per-user Redis pub/sub channel, the API relays
// the channel over a WebSocket.
package logstream

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"reprun.io/reprun/pkg/log"
)

const (
	// a flooding container must not saturate redis, lines beyond the
	// limit are dropped and counted
	publishLinesPerSecond = 100
	publishBurst          = 200

	greeting = "Connected to Docker log stream."
)

// ChannelFor returns the pub/sub channel carrying a user's container output.
func ChannelFor(userID uint) string {
	return fmt.Sprintf("docker:logs:%d", userID)
}

// Publisher sends container output lines to one user's channel, best effort.
type Publisher struct {
	cli     *redis.Client
	channel string
	limiter *rate.Limiter
	dropped atomic.Int64
}

func NewPublisher(cli *redis.Client, userID uint) *Publisher {
	return &Publisher{
		cli:     cli,
		channel: ChannelFor(userID),
		limiter: rate.NewLimiter(rate.Limit(publishLinesPerSecond), publishBurst),
	}
}

// Publish forwards one line to the channel. Lines over the rate limit and
// publish failures are dropped, a log stream has no delivery guarantee.
func (p *Publisher) Publish(ctx context.Context, line string) {
	if !p.limiter.Allow() {
		p.dropped.Add(1)
		return
	}
	if err := p.cli.Publish(ctx, p.channel, line).Err(); err != nil {
		p.dropped.Add(1)
		log.V(5).Info("log line publish failed", "channel", p.channel, "err", err)
	}
}

// Dropped reports how many lines were not delivered.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Streamer relays a user's channel over established WebSocket connections.
type Streamer struct {
	cli *redis.Client
}

func NewStreamer(cli *redis.Client) *Streamer {
	return &Streamer{cli: cli}
}

// Stream subscribes the connection to the user's channel and relays messages
// until the peer closes, the subscription drops, or ctx ends. The caller owns
// the connection and closes it after Stream returns.
func (s *Streamer) Stream(ctx context.Context, conn *websocket.Conn, userID uint) error {
	pubsub := s.cli.Subscribe(ctx, ChannelFor(userID))
	defer pubsub.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(greeting)); err != nil {
		return err
	}

	// reads are discarded, the socket is one way. The read loop still has
	// to run so close frames from the peer are seen.
	peerClosed := make(chan struct{})
	go func() {
		defer close(peerClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return err
			}
		case <-peerClosed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
