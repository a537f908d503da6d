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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Backend is the storage behind the queue. It needs a shared queue for
// dispatching tasks and a kv store for task records.

const (
	DefaultGroup = "workflow-group"

	kvPrefix     = "/workflow-store/"
	streamPrefix = "/workflow-queue/"

	// SubmitQueue is the queue all tasks are submitted to.
	SubmitQueue = "submit"
)

// SubmitStreamKey returns the redis stream key behind the submit queue,
// exported for monitoring.
func SubmitStreamKey() string {
	return streamPrefix + SubmitQueue
}

type OnChangeFunc func(ctx context.Context, key string, val []byte) error

type Backend interface {
	// Sub consumes a queue. Consumers of the same queue share its messages,
	// no message is delivered twice.
	Sub(ctx context.Context, name string, onchange OnChangeFunc, opts ...SubOption) error
	Pub(ctx context.Context, name string, key string, val []byte) error

	// kv store
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, val []byte, ttl ...time.Duration) error
	Del(ctx context.Context, key string) error
	List(ctx context.Context, keyprefix string) (map[string][]byte, error)
	Watch(ctx context.Context, key string, onchange OnChangeFunc) error
}

type RedisBackend struct {
	kvprefix     string
	streamprefix string
	cli          *redis.Client
}

func NewRedisBackend(addr, username, password string) *RedisBackend {
	cli := redis.NewClient(&redis.Options{Addr: addr, Username: username, Password: password})
	return NewRedisBackendFromClient(cli)
}

func NewRedisBackendFromClient(c *redis.Client) *RedisBackend {
	return &RedisBackend{
		kvprefix:     kvPrefix,
		streamprefix: streamPrefix,
		cli:          c,
	}
}

type SubOptions struct {
	AutoACK     bool // ack regardless of the handler result
	Concurrency int
}

type SubOption func(o *SubOptions)

func WithConcurrency(con int) SubOption {
	return func(o *SubOptions) { o.Concurrency = con }
}

func WithAutoACK(ack bool) SubOption {
	return func(o *SubOptions) { o.AutoACK = ack }
}

func (b *RedisBackend) Sub(ctx context.Context, name string, onchange OnChangeFunc, opts ...SubOption) error {
	options := &SubOptions{Concurrency: 1}
	for _, opt := range opts {
		opt(options)
	}

	keyprefix := b.streamprefix + name

	consumergroup := DefaultGroup
	// https://redis.io/commands/xgroup-create
	if err := b.cli.XGroupCreateMkStream(ctx, keyprefix, consumergroup, "0").Err(); err != nil {
		// no typed error for BUSYGROUP
		if !strings.Contains(err.Error(), "exists") {
			return err
		}
	}

	concurrentchan := make(chan struct{}, options.Concurrency)

	consumer, _ := os.Hostname()

	// On the first read consume messages left unacked by a previous run,
	// afterwards block for new ones. In-flight messages are never handed to
	// another consumer of the group.
	shouldconsumeunacked := true
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			ids := ">"
			if shouldconsumeunacked {
				shouldconsumeunacked = false
				ids = "0"
			}
			// https://redis.io/commands/XREADGROUP
			result, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    consumergroup,
				Consumer: consumer,
				Streams: []string{
					keyprefix, ids,
				},
				Block: 0,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// backends without blocking reads return empty results
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(50 * time.Millisecond):
					}
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			for _, msgs := range result {
				stream := msgs.Stream
				for _, msg := range msgs.Messages {
					msgid := msg.ID
					for k, v := range msg.Values {
						val := []byte{}
						switch data := v.(type) {
						case string:
							val = []byte(data)
						case []byte:
							val = data
						}

						select {
						case <-ctx.Done():
							return nil
						case concurrentchan <- struct{}{}:
							go func(k string, v []byte) {
								if err := onchange(ctx, k, v); err != nil {
									if options.AutoACK {
										b.cli.XAck(ctx, stream, consumergroup, msgid)
									}
								} else {
									b.cli.XAck(ctx, stream, consumergroup, msgid)
								}

								// free the slot
								<-concurrentchan
							}(k, val)
						}
					}
				}
			}
		}
	}
}

func (b *RedisBackend) Pub(ctx context.Context, name string, key string, val []byte) error {
	keyprefix := b.streamprefix + name
	return b.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: keyprefix,
		Values: map[string]interface{}{key: val},
	}).Err()
}

func (b *RedisBackend) Put(ctx context.Context, key string, val []byte, ttl ...time.Duration) error {
	prefixedKey := b.kvprefix + key
	var expiration time.Duration
	if len(ttl) > 0 {
		expiration = ttl[0]
	}
	return b.cli.Set(ctx, prefixedKey, val, expiration).Err()
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	prefixedKey := b.kvprefix + key
	return b.cli.Del(ctx, prefixedKey).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	prefixedKey := b.kvprefix + key
	return b.cli.Get(ctx, prefixedKey).Bytes()
}

func (b *RedisBackend) List(ctx context.Context, keyprefix string) (map[string][]byte, error) {
	prefixedKey := b.kvprefix + keyprefix
	iter := b.cli.Scan(ctx, 0, prefixedKey+"*", 0).Iterator()

	list := map[string][]byte{}
	for iter.Next(ctx) {
		if err := iter.Err(); err != nil {
			return nil, err
		}

		key := iter.Val()
		val, err := b.cli.Get(ctx, key).Bytes()
		if err != nil {
			return nil, err
		}

		itemkey := strings.TrimPrefix(key, prefixedKey)
		list[itemkey] = val
	}
	return list, nil
}

func (b *RedisBackend) Watch(ctx context.Context, key string, onchange OnChangeFunc) error {
	// https://redis.io/topics/notifications
	_ = b.cli.ConfigSet(ctx, "notify-keyspace-events", "KA")

	channelprefix := fmt.Sprintf("__keyspace@%d__:%s", b.cli.Options().DB, b.kvprefix)
	pubsub := b.cli.PSubscribe(ctx, channelprefix+key+"*")
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			name := strings.TrimPrefix(msg.Channel, channelprefix)
			val, err := b.Get(ctx, name)
			if err != nil {
				continue
			}
			if err := onchange(ctx, name, val); err != nil {
				return err
			}
		}
	}
}
