// Package middleware provides reusable viewer.Transport middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pathscope/slidepilot/runtime/viewer"
	"goa.design/pulse/rmap"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top
	// of a viewer.Transport. It estimates the cost of each request, blocks
	// callers until capacity is available, and adjusts its effective
	// requests-per-minute budget in response to overload signals from the
	// viewer.
	//
	// The limiter is process-local and designed to sit at the transport
	// boundary. Callers construct a single instance per process and wrap the
	// session transport with Middleware before handing it to the viewer
	// client. When several slidepilot processes drive the same viewer, the
	// cluster-aware constructor shares one budget across all of them.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentRPM float64
		minRPM     float64
		maxRPM     float64

		recoveryRate float64

		onBackoff func(newRPM float64)
		onProbe   func(newRPM float64)
	}

	limitedTransport struct {
		next    viewer.Transport
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// costDivisor converts payload bytes into request units. A bare call costs
// one unit; every costDivisor bytes of payload add another.
const costDivisor = 256

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// requests-per-minute budget. When m and key are set, it coordinates capacity
// across processes using a Pulse replicated map; otherwise it operates as a
// process-local limiter.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialRPM, maxRPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialRPM, maxRPM)
}

// newAdaptiveRateLimiter constructs an AdaptiveRateLimiter configured with an
// initial requests-per-minute budget and an upper bound. The limiter uses a
// simple AIMD strategy and is used internally by the cluster-aware
// constructor.
//
// initialRPM and maxRPM are expressed in request units per minute. When
// maxRPM is zero or less than initialRPM, it is clamped to initialRPM.
func newAdaptiveRateLimiter(initialRPM, maxRPM float64) *AdaptiveRateLimiter {
	if initialRPM <= 0 {
		// Default to a budget a desktop viewer handles comfortably when
		// callers do not provide one.
		initialRPM = 300
	}
	if maxRPM <= 0 || maxRPM < initialRPM {
		maxRPM = initialRPM
	}
	minRPM := initialRPM * 0.1
	if minRPM < 1 {
		minRPM = 1
	}
	recoveryRate := initialRPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialRPM/60.0), int(initialRPM))

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentRPM:   initialRPM,
		minRPM:       minRPM,
		maxRPM:       maxRPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a viewer.Transport middleware that enforces the adaptive
// requests-per-minute limit for both Call and Notify submissions.
func (l *AdaptiveRateLimiter) Middleware() func(viewer.Transport) viewer.Transport {
	return func(next viewer.Transport) viewer.Transport {
		if next == nil {
			return nil
		}
		return &limitedTransport{
			next:    next,
			limiter: l,
		}
	}
}

// Call enforces the limiter before delegating to the underlying transport.
func (t *limitedTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := t.limiter.wait(ctx, params); err != nil {
		return nil, err
	}
	raw, err := t.next.Call(ctx, method, params)
	t.limiter.observe(err)
	return raw, err
}

// Notify enforces the limiter before delegating to the underlying transport.
func (t *limitedTransport) Notify(ctx context.Context, method string, params any) error {
	if err := t.limiter.wait(ctx, params); err != nil {
		return err
	}
	err := t.next.Notify(ctx, method, params)
	t.limiter.observe(err)
	return err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, params any) error {
	cost := estimateCost(params)
	return l.limiter.WaitN(ctx, cost)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if viewerBusy(err) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()

	newRPM := l.currentRPM * 0.5
	if newRPM < l.minRPM {
		newRPM = l.minRPM
	}
	if newRPM == l.currentRPM {
		l.mu.Unlock()
		return
	}
	l.currentRPM = newRPM
	l.limiter.SetLimit(rate.Limit(newRPM / 60.0))
	l.limiter.SetBurst(int(newRPM))

	cb := l.onBackoff

	l.mu.Unlock()

	if cb != nil {
		cb(newRPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()

	newRPM := l.currentRPM + l.recoveryRate
	if newRPM > l.maxRPM {
		newRPM = l.maxRPM
	}
	if newRPM == l.currentRPM {
		l.mu.Unlock()
		return
	}
	l.currentRPM = newRPM
	l.limiter.SetLimit(rate.Limit(newRPM / 60.0))
	l.limiter.SetBurst(int(newRPM))

	cb := l.onProbe

	l.mu.Unlock()

	if cb != nil {
		cb(newRPM)
	}
}

// viewerBusy reports whether the error is the viewer signalling overload: a
// tool failure in the retryable server-error band. Not-implemented and
// invalid-argument failures are caller problems, not capacity signals.
func viewerBusy(err error) bool {
	var terr *viewer.ToolError
	if !errors.As(err, &terr) {
		return false
	}
	return terr.Retryable
}

// estimateCost computes a cheap heuristic for the amount of viewer work a
// request represents. Every submission costs one unit; payload bytes add
// more, so annotation uploads carrying hundreds of vertices weigh in
// proportion to the rendering they trigger.
func estimateCost(params any) int {
	if params == nil {
		return 1
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return 1
	}
	return 1 + len(raw)/costDivisor
}

// replaceRPM updates the limiter effective budget to the given value,
// clamped to the configured [minRPM, maxRPM] range.
func (l *AdaptiveRateLimiter) replaceRPM(rpm float64) {
	l.mu.Lock()
	if rpm < l.minRPM {
		rpm = l.minRPM
	}
	if rpm > l.maxRPM {
		rpm = l.maxRPM
	}
	if rpm == l.currentRPM {
		l.mu.Unlock()
		return
	}
	l.currentRPM = rpm
	l.limiter.SetLimit(rate.Limit(rpm / 60.0))
	l.limiter.SetBurst(int(rpm))
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newRPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialRPM, maxRPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialRPM, maxRPM)
	}

	// Best-effort initialization: if the key does not exist yet, seed it with
	// the initial value. A concurrent writer may still win; we refresh below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialRPM))); err != nil {
			// When seeding the shared budget fails, fall back to a
			// process-local limiter so callers still make progress instead of
			// treating the cluster map as partially initialized.
			return newAdaptiveRateLimiter(initialRPM, maxRPM)
		}
	}

	sharedRPM := initialRPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedRPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedRPM, maxRPM)

	min := l.minRPM
	max := l.maxRPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go globalBackoff(context.Background(), m, key, min)
		},
		func(_ float64) {
			go globalProbe(context.Background(), m, key, step, max)
		},
	)

	// Watch for external changes to the shared budget and reconcile the local
	// limiter when they occur.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceRPM(v)
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		nextStr := strconv.Itoa(int(next))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		nextStr := strconv.Itoa(int(next))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
