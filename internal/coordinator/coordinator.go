// Package coordinator implements the freshness state machine: the
// decision, per render request, of whether to serve a cached snapshot,
// serve-stale-and-refresh-in-background, or block until a worker renders
// one.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/events"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/pending"
	"github.com/kasha/gateway/internal/snapshot"
)

// Input is one render request handed to the coordinator by the HTTP front.
type Input struct {
	Site        string
	Path        string
	DeviceType  snapshot.DeviceType
	Type        snapshot.Kind
	CallbackURL string
	NoWait      bool
	Refresh     bool
	MetaOnly    bool

	RequestID string
	ClientIP  string
	UserAgent string
}

// Result is what a render request resolves to.
type Result struct {
	Snapshot   *snapshot.Snapshot
	Source     string // fresh, stale-revalidating, updated, updating
	StatusCode int
}

// Config bounds coordinator timeouts and the freshness windows stamped on
// every snapshot the coordinator persists (cache.maxage, cache.sMaxage).
type Config struct {
	MaxAge        time.Duration
	SMaxAge       time.Duration
	WorkerTimeout time.Duration
}

// Coordinator wires the Snapshot store, the pending-render registry and
// the WorkerBus into the state machine spec.md describes.
type Coordinator struct {
	store    *snapshot.Store
	registry *pending.Registry
	worker   *bus.WorkerBus
	emitter  events.EventEmitter
	logger   *zap.Logger
	cfg      Config

	callbackClient *fasthttp.Client
	instanceID     string
	metrics        *metrics.Metrics

	now func() time.Time
}

// WithMetrics attaches a Metrics collector. Optional; a nil collector
// (the default) makes every recording call a no-op.
func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// New wires a Coordinator. instanceID tags emitted events (e.g. the
// process's hostname:pid).
func New(store *snapshot.Store, registry *pending.Registry, worker *bus.WorkerBus, emitter events.EventEmitter, logger *zap.Logger, cfg Config, instanceID string) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		worker:   worker,
		emitter:  emitter,
		logger:   logger,
		cfg:      cfg,
		callbackClient: &fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		instanceID: instanceID,
		now:        time.Now,
	}
}

var callbackBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// Start subscribes to this instance's reply topic, routing every
// RenderReply into the pending-render registry. Call once before serving
// traffic.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.worker.OnReply(ctx, c.handleReply); err != nil {
		return err
	}
	go c.sweepLoop(ctx)
	return nil
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.WorkerTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.registry.SweepExpired(c.now()); n > 0 {
				c.logger.Debug("swept expired pending renders", zap.Int("count", n))
			}
		}
	}
}

func (c *Coordinator) recordCacheHit(in Input) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(in.Site, string(in.DeviceType))
	}
}

func (c *Coordinator) recordCacheMiss(in Input) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(in.Site, string(in.DeviceType))
	}
}

func (c *Coordinator) recordStaleServed(in Input) {
	if c.metrics != nil {
		c.metrics.RecordStaleServed(in.Site, string(in.DeviceType))
	}
}

func (c *Coordinator) handleReply(reply bus.RenderReply) {
	if reply.OK {
		c.registry.Complete(reply.CorrelationID, pending.OutcomeFromReply(reply))
		return
	}
	c.registry.Fail(reply.CorrelationID, reply.ErrorKind, reply.ErrorMessage)
}

// Render executes the freshness state machine for in.
func (c *Coordinator) Render(ctx context.Context, in Input) (Result, error) {
	start := c.now()
	result, err := c.render(ctx, in)

	event := &events.RenderEvent{
		RequestID:  in.RequestID,
		Site:       in.Site,
		Path:       in.Path,
		DeviceType: string(in.DeviceType),
		Type:       string(in.Type),
		ServeTime:  c.now().Sub(start).Seconds(),
		ClientIP:   in.ClientIP,
		UserAgent:  in.UserAgent,
		CreatedAt:  c.now(),
		InstanceID: c.instanceID,
	}
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) {
			event.Source = "error"
			event.StatusCode = gwErr.HTTPStatus
			event.ErrorKind = gwErr.Kind
			event.ErrorMessage = gwErr.Message
			if c.metrics != nil {
				c.metrics.RecordError(in.Site, gwErr.Kind)
			}
		}
	} else {
		event.Source = result.Source
		event.StatusCode = result.StatusCode
		if result.Snapshot != nil {
			event.CacheAge = int(c.now().Sub(result.Snapshot.Times.RenderedAt).Seconds())
		}
	}
	if c.metrics != nil {
		c.metrics.RecordRequest(in.Site, string(in.DeviceType), event.Source, time.Duration(event.ServeTime*float64(time.Second)))
	}
	c.emitter.Emit(event)

	return result, err
}

func (c *Coordinator) render(ctx context.Context, in Input) (Result, error) {
	key := snapshot.Key{Site: in.Site, Path: in.Path, DeviceType: in.DeviceType, Type: in.Type}

	if !in.Refresh {
		snap, err := c.store.Get(ctx, key)
		if err == nil {
			now := c.now()
			if snap.IsFresh(now) {
				c.recordCacheHit(in)
				return Result{Snapshot: snap, Source: "fresh", StatusCode: 200}, nil
			}
			if snap.IsStaleButUsable(now) {
				c.recordStaleServed(in)
				go c.backgroundRefresh(in, key)
				return Result{Snapshot: snap, Source: "stale-revalidating", StatusCode: 200}, nil
			}
			// falls through to step 4: must wait
		} else if !errors.Is(err, snapshot.ErrNotFound) {
			return Result{}, ErrInternal(uuid.NewString(), err)
		}
	}
	c.recordCacheMiss(in)

	return c.renderFresh(ctx, in, key)
}

func (c *Coordinator) renderFresh(ctx context.Context, in Input, key snapshot.Key) (Result, error) {
	fp := pending.Fingerprint{Site: in.Site, Path: in.Path, DeviceType: in.DeviceType, Type: in.Type, CallbackURL: in.CallbackURL}
	correlationID := uuid.NewString()

	leader, future := c.registry.BeginOrJoin(fp, correlationID, in.NoWait)
	if leader {
		job := bus.RenderJob{
			CorrelationID: correlationID,
			ReplyTopic:    c.worker.ReplyTopic(),
			URL:           in.Site + in.Path,
			DeviceType:    in.DeviceType,
			Type:          in.Type,
			CallbackURL:   in.CallbackURL,
			MetaOnly:      in.MetaOnly,
		}
		if err := c.worker.Publish(ctx, job); err != nil {
			c.registry.Fail(correlationID, "SERVER_INTERNAL_ERROR", err.Error())
		}
		if in.CallbackURL != "" {
			// The callback goroutine needs its own waiter: a Future's channel
			// delivers to exactly one reader, and renderFresh itself also
			// waits on future below when NoWait is false.
			if cbFuture, ok := c.registry.AddWaiter(correlationID); ok {
				go c.awaitAndCallback(in, key, correlationID, cbFuture)
			} else {
				go c.postCallback(in.CallbackURL, callbackPayload{Key: key, OK: false, ErrorKind: "SERVER_INTERNAL_ERROR"})
			}
		}
	}

	if in.NoWait {
		return Result{Source: "updating", StatusCode: 202}, nil
	}

	waitStart := c.now()
	if c.metrics != nil {
		c.metrics.IncInflightRenders()
	}
	outcome, ok := future.Wait(c.cfg.WorkerTimeout)
	if c.metrics != nil {
		c.metrics.DecInflightRenders()
	}
	if !ok {
		if c.metrics != nil {
			c.metrics.RecordWaitTimeout(in.Site, string(in.DeviceType), c.now().Sub(waitStart))
		}
		return Result{}, ErrWorkerTimeout()
	}
	if c.metrics != nil {
		c.metrics.RecordWaitSuccess(in.Site, string(in.DeviceType), c.now().Sub(waitStart))
	}
	if !outcome.OK {
		return Result{}, FromOutcomeErrorKind(outcome.ErrorKind, outcome.ErrorMsg)
	}

	c.stampFreshness(outcome.Snapshot)

	if err := c.store.Put(ctx, outcome.Snapshot); err != nil {
		return Result{}, ErrInternal(uuid.NewString(), err)
	}
	return Result{Snapshot: outcome.Snapshot, Source: "updated", StatusCode: 200}, nil
}

// stampFreshness sets snap's private/shared expiry from this gateway's
// configured maxage/sMaxage, overriding whatever window the worker itself
// guessed: the operator-facing cache.maxage/cache.sMaxage config is the
// single source of truth for freshness windows. snap.Times.RenderedAt is
// preserved; it falls back to now only if the worker left it unset.
func (c *Coordinator) stampFreshness(snap *snapshot.Snapshot) {
	renderedAt := snap.Times.RenderedAt
	if renderedAt.IsZero() {
		renderedAt = c.now()
		snap.Times.RenderedAt = renderedAt
	}
	snap.PrivateExpires = renderedAt.Add(c.cfg.MaxAge)
	snap.SharedExpires = renderedAt.Add(c.cfg.SMaxAge)
}

// backgroundRefresh performs step 4 asynchronously for the stale-while-
// revalidate path; its result is persisted but never observed by the
// original caller.
func (c *Coordinator) backgroundRefresh(in Input, key snapshot.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WorkerTimeout+5*time.Second)
	defer cancel()

	refreshIn := in
	refreshIn.Refresh = false
	refreshIn.NoWait = false

	if _, err := c.renderFresh(ctx, refreshIn, key); err != nil {
		c.logger.Warn("background refresh failed",
			zap.String("site", in.Site), zap.String("path", in.Path), zap.Error(err))
	}
}

func (c *Coordinator) awaitAndCallback(in Input, key snapshot.Key, correlationID string, future pending.Future) {
	outcome, ok := future.Wait(c.cfg.WorkerTimeout)
	payload := callbackPayload{Key: key}
	if !ok {
		payload.OK = false
		payload.ErrorKind = "SERVER_WORKER_TIMEOUT"
	} else {
		payload.OK = outcome.OK
		payload.ErrorKind = outcome.ErrorKind
	}
	c.postCallback(in.CallbackURL, payload)
}

type callbackPayload struct {
	OK        bool           `json:"ok"`
	Key       snapshot.Key   `json:"-"`
	ErrorKind string         `json:"errorKind,omitempty"`
}

// callbackWireFormat is what actually goes over the wire: Key needs its
// fields exported since snapshot.Key itself marshals to "-" in Snapshot.
type callbackWireFormat struct {
	OK        bool   `json:"ok"`
	Site      string `json:"site"`
	Path      string `json:"path"`
	ErrorKind string `json:"errorKind,omitempty"`
}

func (c *Coordinator) postCallback(url string, payload callbackPayload) {
	body, err := json.Marshal(callbackWireFormat{OK: payload.OK, Site: payload.Key.Site, Path: payload.Key.Path, ErrorKind: payload.ErrorKind})
	if err != nil {
		c.logger.Warn("failed to encode callback payload", zap.Error(err))
		return
	}

	for attempt := 0; attempt <= len(callbackBackoff); attempt++ {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		req.SetRequestURI(url)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.SetContentType("application/json")
		req.SetBody(body)

		if c.metrics != nil {
			c.metrics.RecordCallbackAttempt(payload.Key.Site)
		}
		err := c.callbackClient.DoTimeout(req, resp, 10*time.Second)
		status := resp.StatusCode()

		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)

		if err == nil && status < 500 {
			return
		}
		if attempt == len(callbackBackoff) {
			c.logger.Warn("callback delivery exhausted retries", zap.String("url", url), zap.Error(err), zap.Int("status", status))
			if c.metrics != nil {
				c.metrics.RecordCallbackFailure(payload.Key.Site)
			}
			return
		}
		time.Sleep(callbackBackoff[attempt])
	}
}
