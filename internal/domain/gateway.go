package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/corebridge/internal/observability"
)

const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
)

// GatewayOptions tunes the gateway engine.
type GatewayOptions struct {
	// StreamIdleTimeout aborts a stream when no upstream event arrives in time. Zero disables it.
	StreamIdleTimeout time.Duration
}

// GatewayService orchestrates requests: protocol detection, endpoint selection,
// request conversion, the upstream call under retry, and response conversion.
type GatewayService struct {
	balancer       Balancer
	converters     ConverterRegistry
	transport      Transport
	retrier        Retrier
	costCalculator CostCalculator
	metrics        MetricsRecorder
	options        GatewayOptions
}

// NewGatewayService creates a new gateway service (DI constructor).
func NewGatewayService(
	balancer Balancer,
	converters ConverterRegistry,
	transport Transport,
	retrier Retrier,
	costCalculator CostCalculator,
	metrics MetricsRecorder,
	options GatewayOptions,
) *GatewayService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &GatewayService{
		balancer:       balancer,
		converters:     converters,
		transport:      transport,
		retrier:        retrier,
		costCalculator: costCalculator,
		metrics:        metrics,
		options:        options,
	}
}

// CompleteByModel handles a non-streaming request routed by model name.
func (g *GatewayService) CompleteByModel(
	ctx context.Context,
	req *UnifiedRequest,
) (*UnifiedResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if req.Model == "" {
		return nil, errors.New("model cannot be empty")
	}

	start := time.Now()
	route, err := g.ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	family := route.Family
	ctx = observability.WithFamily(observability.WithModel(ctx, route.Canonical), family.String())
	logger := observability.FromContext(ctx)

	converter, err := g.converters.Get(family)
	if err != nil {
		return nil, fmt.Errorf("converter lookup failed: %w", err)
	}

	var response *UnifiedResponse
	err = g.withRetry(ctx, family, func(ctx context.Context, _ int) error {
		endpoint, selectErr := g.balancer.SelectEndpoint(ctx, route.Canonical)
		if selectErr != nil {
			return selectErr
		}
		ctx = observability.WithTenant(ctx, endpoint.TenantID)

		outbound, buildErr := converter.BuildRequest(ctx, endpoint, req)
		if buildErr != nil {
			return buildErr
		}

		body, doErr := g.transport.Do(ctx, endpoint, outbound)
		if doErr != nil {
			return doErr
		}

		parsed, parseErr := converter.ParseResponse(ctx, body)
		if parseErr != nil {
			return parseErr
		}
		response = parsed
		return nil
	})
	if err != nil {
		g.metrics.ObserveRequest(family.String(), false, outcomeFor(err), time.Since(start))
		logger.Warn("completion failed", observability.Error(err))
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	if response.ID == "" {
		response.ID = streamIDPrefix + uuid.NewString()
	}
	if response.Model == "" {
		response.Model = req.Model
	}
	if response.StopReason == "" {
		response.StopReason = StopReasonStop
	}
	response.Family = family
	response.FinishTime = time.Now()

	cost, _ := g.costCalculator.Calculate(ctx, route.Canonical, response.Usage)
	response.Cost = cost

	g.recordUsage(family, route.Canonical, response.Usage, cost)
	g.metrics.ObserveRequest(family.String(), false, outcomeSuccess, time.Since(start))

	logger.Info("completion finished",
		observability.String("requested_model", req.Model),
		observability.Int("prompt_tokens", response.Usage.PromptTokens),
		observability.Int("completion_tokens", response.Usage.CompletionTokens),
		observability.String("stop_reason", string(response.StopReason)),
		observability.Float64("cost_usd", cost))

	return response, nil
}

// StreamByModel opens a stream routed by model name. Errors before the first
// upstream event are returned directly; later failures arrive as an EventError.
// A successful stream ends with EventFinish followed by EventDone.
// The channel is closed when the stream ends or ctx is cancelled.
func (g *GatewayService) StreamByModel(
	ctx context.Context,
	req *UnifiedRequest,
) (<-chan StreamEvent, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if req.Model == "" {
		return nil, errors.New("model cannot be empty")
	}

	start := time.Now()
	route, err := g.ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	family := route.Family
	ctx = observability.WithFamily(observability.WithModel(ctx, route.Canonical), family.String())

	converter, err := g.converters.Get(family)
	if err != nil {
		return nil, fmt.Errorf("converter lookup failed: %w", err)
	}

	streamReq := *req
	streamReq.Stream = true

	var (
		reader  EventReader
		chunker ChunkConverter
		first   ChunkResult
		empty   bool
	)
	err = g.withRetry(ctx, family, func(ctx context.Context, _ int) error {
		endpoint, selectErr := g.balancer.SelectEndpoint(ctx, route.Canonical)
		if selectErr != nil {
			return selectErr
		}
		ctx = observability.WithTenant(ctx, endpoint.TenantID)

		outbound, buildErr := converter.BuildRequest(ctx, endpoint, &streamReq)
		if buildErr != nil {
			return buildErr
		}

		r, streamErr := g.transport.Stream(ctx, endpoint, outbound)
		if streamErr != nil {
			return streamErr
		}

		// The first event is read and converted inside the retry scope: nothing
		// has reached the client yet, so a dead connection or an in-band
		// overload error can still be retried transparently.
		ev, nextErr := r.Next()
		if nextErr != nil && !errors.Is(nextErr, io.EOF) {
			_ = r.Close()
			return nextErr
		}
		if errors.Is(nextErr, io.EOF) {
			reader, chunker, first, empty = r, converter.NewChunkConverter(), ChunkResult{}, true
			return nil
		}

		c := converter.NewChunkConverter()
		result, convertErr := c.Convert(ctx, ev)
		if convertErr != nil {
			_ = r.Close()
			return convertErr
		}

		reader, chunker, first, empty = r, c, result, false
		return nil
	})
	if err != nil {
		g.metrics.ObserveRequest(family.String(), true, outcomeFor(err), time.Since(start))
		observability.FromContext(ctx).Warn("stream setup failed", observability.Error(err))
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	events := make(chan StreamEvent)
	pump := &streamPump{
		gateway:   g,
		family:    family,
		model:     req.Model,
		canonical: route.Canonical,
		state:     NewStreamState(),
		chunker:   chunker,
		reader:    reader,
		out:       events,
		start:     start,
	}
	go pump.run(ctx, first, empty)

	return events, nil
}

// Route is the outcome of resolving a requested model name.
type Route struct {
	Requested string
	Canonical string
	Family    ProtocolFamily
}

// ResolveModel maps a requested model name to its canonical routing name and
// the protocol family of that name. Detection always runs on the canonical
// name, so an alias speaks the protocol of the model it points to.
func (g *GatewayService) ResolveModel(model string) (Route, error) {
	canonical, ok := g.balancer.Resolve(model)
	if !ok {
		return Route{}, &RoutableNotFoundError{Model: model}
	}
	return Route{
		Requested: model,
		Canonical: canonical,
		Family:    DetectProtocol(canonical),
	}, nil
}

// streamPump moves one upstream stream onto the client channel.
type streamPump struct {
	gateway   *GatewayService
	family    ProtocolFamily
	model     string
	canonical string
	state     *StreamState
	chunker   ChunkConverter
	reader    EventReader
	out       chan<- StreamEvent
	start     time.Time

	timedOut atomic.Bool
}

func (p *streamPump) run(ctx context.Context, first ChunkResult, empty bool) {
	defer close(p.out)
	defer p.reader.Close()

	logger := observability.FromContext(ctx)

	// The idle timer only runs while waiting on the upstream, never while
	// blocked on a slow client.
	idle := p.gateway.options.StreamIdleTimeout
	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, func() {
			p.timedOut.Store(true)
			_ = p.reader.Close()
		})
		timer.Stop()
		defer timer.Stop()
	}

	result := first
	done := false
	for !empty {
		if err := p.apply(ctx, result); err != nil {
			p.fail(ctx, err)
			return
		}
		done = done || result.Done

		if ctx.Err() != nil {
			p.cancelled(ctx)
			return
		}

		if timer != nil {
			timer.Reset(idle)
		}
		next, nextErr := p.reader.Next()
		if timer != nil {
			timer.Stop()
		}
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			if p.timedOut.Load() {
				nextErr = ErrStreamIdleTimeout
			}
			if done && !p.timedOut.Load() {
				logger.Debug("upstream closed after end of message", observability.Error(nextErr))
				break
			}
			p.fail(ctx, nextErr)
			return
		}

		converted, convertErr := p.chunker.Convert(ctx, next)
		if convertErr != nil {
			p.fail(ctx, convertErr)
			return
		}
		result = converted
	}

	usage := p.state.Finish()
	if p.state.MarkRoleSent() {
		if !p.emit(ctx, StreamEvent{Type: EventRole, Role: RoleAssistant}) {
			p.cancelled(ctx)
			return
		}
	}

	if !p.emit(ctx, StreamEvent{Type: EventFinish, StopReason: p.state.StopReason(), Usage: &usage}) ||
		!p.emit(ctx, StreamEvent{Type: EventDone}) {
		p.cancelled(ctx)
		return
	}

	cost, _ := p.gateway.costCalculator.Calculate(ctx, p.canonical, usage)
	p.gateway.recordUsage(p.family, p.canonical, usage, cost)
	p.gateway.metrics.ObserveRequest(p.family.String(), true, outcomeSuccess, time.Since(p.start))

	logger.Info("stream finished",
		observability.String("stream_id", p.state.StreamID()),
		observability.Int("prompt_tokens", usage.PromptTokens),
		observability.Int("completion_tokens", usage.CompletionTokens),
		observability.Strings("usage_sources", p.state.UsageSources()),
		observability.String("stop_reason", string(p.state.StopReason())))
}

// apply records the state carried by one converted event and emits its events.
func (p *streamPump) apply(ctx context.Context, result ChunkResult) error {
	p.state.AdoptStreamID(result.StreamID)
	for _, obs := range result.Usage {
		p.state.ApplyUsage(ctx, obs)
	}
	p.state.SetStopReason(result.StopReason)

	if len(result.Events) > 0 && p.state.MarkRoleSent() {
		if !p.emit(ctx, StreamEvent{Type: EventRole, Role: RoleAssistant}) {
			return ctx.Err()
		}
	}

	for _, ev := range result.Events {
		if !p.emit(ctx, ev) {
			return ctx.Err()
		}
	}

	return nil
}

func (p *streamPump) emit(ctx context.Context, event StreamEvent) bool {
	event.StreamID = p.state.StreamID()
	event.Model = p.model

	select {
	case p.out <- event:
		p.gateway.metrics.IncStreamEvent(p.family.String(), event.Type.String())
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *streamPump) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		p.cancelled(ctx)
		return
	}

	observability.FromContext(ctx).Error("stream aborted",
		observability.String("stream_id", p.state.StreamID()),
		observability.Error(err))

	p.state.Finish()
	p.emit(ctx, StreamEvent{Type: EventError, Err: err})
	p.gateway.metrics.ObserveRequest(p.family.String(), true, outcomeError, time.Since(p.start))
}

func (p *streamPump) cancelled(ctx context.Context) {
	observability.FromContext(ctx).Info("stream cancelled by client",
		observability.String("stream_id", p.state.StreamID()))
	p.state.Finish()
	p.gateway.metrics.ObserveRequest(p.family.String(), true, outcomeCanceled, time.Since(p.start))
}

// withRetry runs op under the retrier and counts attempts beyond the first.
func (g *GatewayService) withRetry(
	ctx context.Context,
	family ProtocolFamily,
	op func(ctx context.Context, attempt int) error,
) error {
	counted := func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			g.metrics.IncRetry(family.String())
		}
		return op(ctx, attempt)
	}

	if g.retrier == nil {
		return counted(ctx, 1)
	}
	return g.retrier.Do(ctx, counted)
}

func (g *GatewayService) recordUsage(family ProtocolFamily, model string, usage TokenUsage, cost float64) {
	g.metrics.AddTokens(family.String(), usage.PromptTokens, usage.CompletionTokens, usage.CachedTokens)
	g.metrics.AddCost(model, cost)
}

func outcomeFor(err error) string {
	if errors.Is(err, context.Canceled) {
		return outcomeCanceled
	}
	return outcomeError
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, bool, string, time.Duration) {}
func (noopMetrics) IncRetry(string)                                   {}
func (noopMetrics) IncStreamEvent(string, string)                     {}
func (noopMetrics) AddTokens(string, int, int, int)                   {}
func (noopMetrics) AddCost(string, float64)                           {}
