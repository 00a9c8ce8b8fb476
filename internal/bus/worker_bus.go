package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	redisutil "github.com/kasha/gateway/internal/redisutil"
)

// WorkerBus is the gateway-side half of the bus contract: it publishes
// RenderJobs to the shared render_jobs topic and listens for RenderReply
// messages on a reply topic exclusive to this process.
type WorkerBus struct {
	writer *redisutil.Client
	reader *redisutil.Client
	logger *zap.Logger

	replyTopic string

	mu      sync.Mutex
	handler func(RenderReply)
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a WorkerBus. writer publishes jobs; reader owns the
// subscription to this process's reply topic (go-redis recommends separate
// connections for Pub/Sub and regular commands).
func New(writer, reader *redisutil.Client, logger *zap.Logger) *WorkerBus {
	return &WorkerBus{
		writer:     writer,
		reader:     reader,
		logger:     logger,
		replyTopic: ReplyTopic(os.Getpid()),
	}
}

// ReplyTopic is the per-process inbound channel name for pid.
func ReplyTopic(pid int) string {
	return fmt.Sprintf("render_reply.%d", pid)
}

// ReplyTopic returns this bus instance's inbound channel name, for
// populating RenderJob.ReplyTopic.
func (b *WorkerBus) ReplyTopic() string {
	return b.replyTopic
}

// Publish fire-and-forgets job onto the shared jobs topic.
func (b *WorkerBus) Publish(ctx context.Context, job RenderJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("bus: encode render job: %w", err)
	}
	if err := b.writer.Publish(ctx, JobsTopic, payload); err != nil {
		return fmt.Errorf("bus: publish render job: %w", err)
	}
	return nil
}

// OnReply starts a background subscriber that invokes handler for every
// RenderReply delivered on this process's reply topic. Call once; returns
// once the subscription is confirmed active.
func (b *WorkerBus) OnReply(ctx context.Context, handler func(RenderReply)) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	sub := b.reader.Subscribe(subCtx, b.replyTopic)
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		return fmt.Errorf("bus: subscribe %s: %w", b.replyTopic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(msg.Payload)
			}
		}
	}()
	return nil
}

func (b *WorkerBus) dispatch(payload string) {
	var reply RenderReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		b.logger.Warn("bus: malformed render reply", zap.Error(err))
		return
	}
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(reply)
	}
}

// Close stops the reply subscriber and waits for it to drain.
func (b *WorkerBus) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}
