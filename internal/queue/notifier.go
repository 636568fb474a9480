// Copyright (c) 2026 John Earle
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

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the redis pub/sub channel that carries job wake-ups.
const DefaultChannel = "casebridge:jobs"

// Notifier wakes idle workers across processes when a job is enqueued.
// Postgres stays the source of truth; a lost notification only delays a job
// until the next poll interval.
type Notifier struct {
	rdb     *redis.Client
	channel string
}

// NewNotifier creates a notifier publishing on channel.
func NewNotifier(rdb *redis.Client, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{rdb: rdb, channel: channel}
}

// Notify announces that a job of kind is ready.
func (n *Notifier) Notify(ctx context.Context, kind string) error {
	if err := n.rdb.Publish(ctx, n.channel, kind).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH: %w", err)
	}
	return nil
}

// Listen calls wake for every notification until ctx is cancelled.
func (n *Notifier) Listen(ctx context.Context, wake func(kind string)) error {
	sub := n.rdb.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis SUBSCRIBE %s: %w", n.channel, err)
	}
	slog.Info("listening for job notifications", "channel", n.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			wake(msg.Payload)
		}
	}
}

// Ping checks Redis connectivity.
func (n *Notifier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return n.rdb.Ping(ctx).Err()
}
