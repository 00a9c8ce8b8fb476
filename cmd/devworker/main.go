// Command devworker is a minimal stand-in for a headless-render worker: it
// subscribes to the shared render_jobs topic, fabricates a plausible
// Snapshot for whatever URL it was asked to render, and replies on the
// job's private reply topic. It exists so the gateway can be exercised
// end-to-end without a real browser-rendering farm.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/logger"
	redisutil "github.com/kasha/gateway/internal/redisutil"
	"github.com/kasha/gateway/internal/snapshot"
)

func main() {
	addr := flag.String("redis-addr", "127.0.0.1:6379", "redis address shared with the gateway's bus")
	password := flag.String("redis-password", "", "redis password")
	db := flag.Int("redis-db", 0, "redis db index")
	minDelay := flag.Duration("min-delay", 50*time.Millisecond, "minimum simulated render time")
	maxDelay := flag.Duration("max-delay", 400*time.Millisecond, "maximum simulated render time")
	maxAge := flag.Duration("maxage", 5*time.Minute, "private freshness window stamped on every snapshot")
	sMaxAge := flag.Duration("smaxage", time.Hour, "shared stale-while-revalidate window stamped on every snapshot")
	failRate := flag.Float64("fail-rate", 0, "fraction of jobs (0..1) to fail instead of render, for exercising the timeout/error paths")
	flag.Parse()

	log, err := logger.NewDefaultLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "devworker: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	client, err := redisutil.NewClient(config.BusConnConfig{Addr: *addr, Password: *password, DB: *db}, log.Logger)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := client.Subscribe(ctx, bus.JobsTopic)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		log.Fatal("failed to subscribe to render jobs", zap.Error(err))
	}
	log.Info("devworker listening", zap.String("topic", bus.JobsTopic))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ch := sub.Channel()
	for {
		select {
		case <-quit:
			log.Info("devworker stopping")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handleMessage(ctx, client, log.Logger, msg.Payload, *minDelay, *maxDelay, *maxAge, *sMaxAge, *failRate)
		}
	}
}

func handleMessage(ctx context.Context, client *redisutil.Client, log *zap.Logger, payload string, minDelay, maxDelay, maxAge, sMaxAge time.Duration, failRate float64) {
	var job bus.RenderJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		log.Warn("devworker: malformed render job", zap.Error(err))
		return
	}

	go func() {
		time.Sleep(simulatedDelay(minDelay, maxDelay))

		reply := bus.RenderReply{CorrelationID: job.CorrelationID}
		if failRate > 0 && rand.Float64() < failRate {
			reply.OK = false
			reply.ErrorKind = "SERVER_RENDER_FAILED"
			reply.ErrorMessage = "devworker: simulated render failure"
		} else {
			reply.OK = true
			reply.Snapshot = fakeRender(job, maxAge, sMaxAge)
		}

		raw, err := json.Marshal(reply)
		if err != nil {
			log.Error("devworker: failed to encode reply", zap.Error(err))
			return
		}
		if err := client.Publish(ctx, job.ReplyTopic, raw); err != nil {
			log.Error("devworker: failed to publish reply", zap.String("topic", job.ReplyTopic), zap.Error(err))
		}
	}()
}

func simulatedDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// fakeRender splits job.URL back into site/path (the coordinator joins them
// as in.Site+in.Path when building the job) and fabricates a snapshot that
// looks enough like a rendered page to exercise the gateway's cache and
// sitemap paths.
func fakeRender(job bus.RenderJob, maxAge, sMaxAge time.Duration) *snapshot.Snapshot {
	site, path := splitSiteAndPath(job.URL)
	now := time.Now().UTC()

	title := fmt.Sprintf("%s%s", site, path)
	body := fmt.Sprintf("<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1></body></html>", title, title)

	snap := &snapshot.Snapshot{
		Key: snapshot.Key{
			Site:       site,
			Path:       path,
			DeviceType: job.DeviceType,
			Type:       job.Type,
		},
		Status: 200,
		Meta: snapshot.Meta{
			Title: title,
		},
		Times: snapshot.Times{
			RenderedAt: now,
			UpdatedAt:  now,
		},
		PrivateExpires: now.Add(maxAge),
		SharedExpires:  now.Add(sMaxAge),
	}
	if job.Type == snapshot.KindHTML && !job.MetaOnly {
		snap.Content = []byte(body)
	}
	return snap
}

func splitSiteAndPath(url string) (site, path string) {
	idx := strings.Index(url, "/")
	if idx < 0 {
		return url, "/"
	}
	if idx == 0 {
		return "", url
	}
	return url[:idx], url[idx:]
}
