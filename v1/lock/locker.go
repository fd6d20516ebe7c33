package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
	ferrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/gate"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/watchbus"
)

const tracerName = "github.com/mirkobrombin/go-fairlock/v1/lock"

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics registers the lock metrics on reg. Collectors already present
// on reg are reused.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Locker) { l.registerer = reg }
}

// WithEvents publishes every state transition on bus.
func WithEvents(bus watchbus.WatchBus) Option {
	return func(l *Locker) { l.events = bus }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Locker) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// Locker acquires fair exclusive locks over one coordination session.
// Waiters queue in creation order and each watches only its immediate
// predecessor, so a release wakes exactly one of them.
type Locker struct {
	client coord.Client
	cfg    Config

	logger     *slog.Logger
	tracer     trace.Tracer
	events     watchbus.WatchBus
	registerer prometheus.Registerer

	gate   *gate.Gate
	groups *ristretto.Cache

	expireOnce  sync.Once
	sessionLost chan struct{}

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// New returns a Locker driving client. The Locker becomes the only reader
// of client.Events(); the caller keeps ownership of client and closes it
// after the Locker.
func New(client coord.Client, cfg Config, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, errors.New("lock: nil coordination client")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	groups, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("lock: group cache: %w", err)
	}
	l := &Locker{
		client:      client,
		cfg:         cfg,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		gate:        gate.New(client.State() == coord.StateConnected),
		groups:      groups,
		sessionLost: make(chan struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.registerer != nil {
		if err := metrics.EnsureLockMetrics(l.registerer); err != nil {
			groups.Close()
			return nil, err
		}
	}
	go l.watchSession()
	return l, nil
}

// Config returns the effective configuration.
func (l *Locker) Config() Config { return l.cfg }

// Close stops session tracking. Held locks are not released; closing the
// coordination client reclaims them.
func (l *Locker) Close() error {
	l.closeOnce.Do(func() {
		close(l.quit)
		<-l.done
		l.groups.Close()
	})
	return nil
}

func (l *Locker) watchSession() {
	defer close(l.done)
	events := l.client.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				l.expire()
				return
			}
			if ev.Type != coord.EventSession {
				continue
			}
			l.logger.Debug("coordination session", "state", ev.State.String())
			switch ev.State {
			case coord.StateConnected:
				l.gate.Set(true)
			case coord.StateExpired:
				l.expire()
			default:
				l.gate.Set(false)
			}
		case <-l.quit:
			return
		}
	}
}

// expire closes the gate for good and fails every pending and held attempt.
func (l *Locker) expire() {
	l.expireOnce.Do(func() {
		l.gate.Set(false)
		close(l.sessionLost)
		l.logger.Warn("coordination session expired, contender nodes are gone")
	})
}

func (l *Locker) expired() bool {
	select {
	case <-l.sessionLost:
		return true
	default:
		return false
	}
}

// validateResource rejects names that are not clean relative paths and
// names with a segment that would rank as a contender node.
func (l *Locker) validateResource(resource string) error {
	if resource == "" || strings.HasPrefix(resource, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	if err := coord.ValidatePath("/" + resource); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	for _, seg := range strings.Split(resource, "/") {
		if _, ok := isContender(seg, l.cfg.NodePrefix); ok {
			return fmt.Errorf("%w: %q clashes with contender node names", ErrInvalidResource, resource)
		}
	}
	return nil
}

// Acquire blocks until the lock on resource is held, the context ends or
// the attempt fails. The context deadline, or Config.AcquireTimeout when
// there is none, bounds the whole call.
//
// Errors match ferrors.ErrConnection when the session never became usable,
// ferrors.ErrTimeout when the deadline passed while queued and
// ferrors.ErrLockLost (as *LostError) when the contender node vanished.
// On every failure the contender node has already been removed.
func (l *Locker) Acquire(ctx context.Context, resource string) (*Handle, error) {
	if err := l.validateResource(resource); err != nil {
		return nil, err
	}
	if l.cfg.AcquireTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.cfg.AcquireTimeout)
			defer cancel()
		}
	}
	ctx, span := l.tracer.Start(ctx, "Locker.Acquire", trace.WithAttributes(attribute.String("fairlock.resource", resource)))
	defer span.End()
	start := time.Now()

	h, err := l.acquire(ctx, resource)
	outcome := "held"
	if err != nil {
		outcome = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		metrics.AcquireDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("fairlock.path", h.Path()))
	}
	metrics.AcquireCounter.WithLabelValues(outcome).Inc()
	return h, err
}

func classify(err error) string {
	switch {
	case errors.Is(err, ferrors.ErrLockLost):
		return "lost"
	case errors.Is(err, ferrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, ferrors.ErrConnection):
		return "connection"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func (l *Locker) acquire(ctx context.Context, resource string) (*Handle, error) {
	if l.expired() {
		return nil, fmt.Errorf("%w: %s: %w", ferrors.ErrConnection, resource, coord.ErrSessionExpired)
	}
	if err := l.waitConnected(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ferrors.ErrConnection, resource, err)
	}

	group := path.Join(l.cfg.RootPath, resource)
	if err := l.ensureGroup(ctx, group); err != nil {
		return nil, l.preCreateError(ctx, resource, err)
	}

	h := newHandle(resource, group, uuid.NewString())
	// A transient error here leaves the outcome unknown; backends that can
	// lose a create reply recover the node themselves, so no retry.
	self, err := l.client.Create(ctx, path.Join(group, l.cfg.NodePrefix), []byte(h.token), coord.FlagEphemeral|coord.FlagSequence)
	if err != nil {
		l.setState(h, StateError)
		return nil, l.preCreateError(ctx, resource, err)
	}
	h.reg.bind(self)
	l.logger.Debug("contender node created", "resource", resource, "path", self)

	if err := l.await(ctx, h); err != nil {
		return nil, l.fail(ctx, h, err)
	}

	h.acquiredAt = time.Now()
	l.setState(h, StateHolding)
	l.startMonitor(h)
	return h, nil
}

// startMonitor replaces the holding monitor of h with a fresh one.
func (l *Locker) startMonitor(h *Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	h.swapMonitor(cancel)()
	go l.monitor(ctx, h)
}

// waitConnected blocks on the session gate. It gives up as soon as the
// session expires, since the gate never opens again.
func (l *Locker) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.sessionLost:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := l.gate.Wait(ctx); err != nil {
		if l.expired() {
			return coord.ErrSessionExpired
		}
		return err
	}
	return nil
}

// preCreateError maps failures that happen before a node exists.
func (l *Locker) preCreateError(ctx context.Context, resource string, err error) error {
	switch {
	case errors.Is(err, coord.ErrSessionExpired), errors.Is(err, coord.ErrClosed), coord.IsTransient(err):
		return fmt.Errorf("%w: %s: %w", ferrors.ErrConnection, resource, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: acquire %s: %w", ferrors.ErrTimeout, resource, ctx.Err())
	case ctx.Err() != nil:
		return fmt.Errorf("acquire %s: %w", resource, ctx.Err())
	default:
		return fmt.Errorf("acquire %s: %w", resource, err)
	}
}

func (l *Locker) ensureGroup(ctx context.Context, group string) error {
	if _, ok := l.groups.Get(group); ok {
		return nil
	}
	if err := l.retry(ctx, "ensure", group, func() error {
		return l.client.EnsurePath(ctx, group)
	}); err != nil {
		return err
	}
	l.groups.Set(group, struct{}{}, 1)
	l.groups.Wait()
	return nil
}

// await ranks the attempt until it holds the lock. It is the only writer of
// the attempt's registry while it runs.
func (l *Locker) await(ctx context.Context, h *Handle) error {
	for {
		l.setState(h, StateRanking)
		pred, err := l.rank(ctx, h)
		if err != nil {
			return err
		}
		if pred == "" {
			return nil
		}

		h.reg.watch(pred)
		var (
			exists bool
			fire   <-chan coord.Event
		)
		err = l.retry(ctx, "exists", pred, func() error {
			var err error
			exists, fire, err = l.client.ExistsW(ctx, pred)
			return err
		})
		if err != nil {
			return err
		}
		if !exists {
			// Predecessor left between the listing and the watch.
			metrics.WatchRaceCounter.Inc()
			continue
		}

		l.setState(h, StateWaiting)
		if err := l.wait(ctx, h, fire); err != nil {
			return err
		}
	}
}

// rank lists the group and returns the immediate predecessor of the
// attempt, or "" when the attempt is first.
func (l *Locker) rank(ctx context.Context, h *Handle) (string, error) {
	self := h.reg.path()
	var names []string
	err := l.retry(ctx, "children", h.group, func() error {
		var err error
		names, err = l.client.Children(ctx, h.group)
		return err
	})
	if err != nil {
		return "", err
	}
	ordered := contenders(names, l.cfg.NodePrefix)
	idx := indexOf(ordered, path.Base(self))
	switch {
	case idx < 0:
		return "", &LostError{Resource: h.resource, Path: self, Err: fmt.Errorf("%w: own node not listed", ferrors.ErrInvariant)}
	case idx == 0:
		return "", nil
	default:
		return path.Join(h.group, ordered[idx-1]), nil
	}
}

// wait suspends until the watch fires and a new ranking is due.
func (l *Locker) wait(ctx context.Context, h *Handle, fire <-chan coord.Event) error {
	for {
		select {
		case ev, ok := <-fire:
			if !ok {
				return nil
			}
			rerank, err := l.dispatch(h, ev)
			if err != nil || rerank {
				return err
			}
		case <-l.sessionLost:
			return &LostError{Resource: h.resource, Path: h.reg.path(), Err: coord.ErrSessionExpired}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch handles one event from the predecessor watch.
func (l *Locker) dispatch(h *Handle, ev coord.Event) (bool, error) {
	self, watching, _ := h.reg.snapshot()
	switch ev.Type {
	case coord.EventNodeDeleted:
		if ev.Path != watching {
			l.logger.Debug("ignoring fire for unwatched node", "resource", h.resource, "path", ev.Path, "watching", watching)
			return false, nil
		}
		metrics.WatchFireCounter.Inc()
		return true, nil
	case coord.EventNotWatching:
		if ev.State == coord.StateExpired || errors.Is(ev.Err, coord.ErrSessionExpired) {
			return false, &LostError{Resource: h.resource, Path: self, Err: coord.ErrSessionExpired}
		}
		return true, nil
	case coord.EventSession:
		if ev.State == coord.StateExpired {
			return false, &LostError{Resource: h.resource, Path: self, Err: coord.ErrSessionExpired}
		}
		return false, nil
	default:
		return false, nil
	}
}

// retry runs fn again on transient errors, up to MaxRetries times. When ctx
// ends during a pause the returned error matches both ctx.Err() and the
// last transient error.
func (l *Locker) retry(ctx context.Context, op, target string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !coord.IsTransient(err) || attempt >= l.cfg.MaxRetries {
			return err
		}
		metrics.RetryCounter.Inc()
		delay := l.cfg.Backoff(attempt)
		l.logger.Debug("transient coordination error", "op", op, "path", target, "attempt", attempt+1, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ctx.Err(), err)
		}
	}
}

// fail turns an await error into the error returned by Acquire, removing
// the contender node first.
func (l *Locker) fail(ctx context.Context, h *Handle, err error) error {
	var lost *LostError
	switch {
	case errors.As(err, &lost):
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: acquire %s: %w", ferrors.ErrTimeout, h.resource, ctx.Err())
	case ctx.Err() != nil:
		err = fmt.Errorf("acquire %s: %w", h.resource, ctx.Err())
	default:
		lost = &LostError{Resource: h.resource, Path: h.reg.path(), Err: err}
		err = lost
	}

	l.cleanup(h)
	l.setState(h, StateError)
	if lost != nil {
		metrics.LostCounter.WithLabelValues(lost.phase()).Inc()
		l.logger.Warn("lock lost while waiting", "resource", h.resource, "path", h.reg.path(), "error", lost.Err)
		l.publish(h, "lost", err)
	} else {
		l.logger.Info("acquire abandoned", "resource", h.resource, "path", h.reg.path(), "error", err)
		l.publish(h, "timeout", err)
	}
	return err
}

// cleanup deletes the contender node under a fresh bounded context, since
// the caller's context may already be done.
func (l *Locker) cleanup(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ReleaseTimeout)
	defer cancel()
	if err := l.delete(ctx, h); err != nil {
		l.logger.Warn("cleanup of contender node failed", "resource", h.resource, "path", h.reg.path(), "error", err)
	}
}

// delete removes the node of h. A node that is already gone counts as
// deleted.
func (l *Locker) delete(ctx context.Context, h *Handle) error {
	self := h.reg.path()
	if self == "" {
		return nil
	}
	err := l.retry(ctx, "delete", self, func() error {
		return l.client.Delete(ctx, self)
	})
	if err == nil || errors.Is(err, coord.ErrNoNode) || errors.Is(err, coord.ErrSessionExpired) || errors.Is(err, coord.ErrClosed) {
		return nil
	}
	return err
}

// monitor watches the node of a held lock and reports its loss.
func (l *Locker) monitor(ctx context.Context, h *Handle) {
	self := h.reg.path()
	for {
		var (
			exists bool
			fire   <-chan coord.Event
		)
		err := l.retry(ctx, "exists", self, func() error {
			var err error
			exists, fire, err = l.client.ExistsW(ctx, self)
			return err
		})
		if ctx.Err() != nil || h.isReleasing() {
			return
		}
		if err != nil {
			l.lose(h, err)
			return
		}
		if !exists {
			l.lose(h, fmt.Errorf("node deleted: %w", coord.ErrNoNode))
			return
		}
		select {
		case ev, ok := <-fire:
			if h.isReleasing() {
				return
			}
			if !ok {
				continue
			}
			switch {
			case ev.Type == coord.EventNodeDeleted:
				l.lose(h, fmt.Errorf("node deleted: %w", coord.ErrNoNode))
				return
			case ev.State == coord.StateExpired:
				l.lose(h, coord.ErrSessionExpired)
				return
			}
		case <-l.sessionLost:
			l.lose(h, coord.ErrSessionExpired)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Locker) lose(h *Handle, cause error) {
	err := &LostError{Resource: h.resource, Path: h.reg.path(), WasHeld: true, Err: cause}
	if !h.markLost(err) {
		return
	}
	l.setState(h, StateError)
	metrics.LostCounter.WithLabelValues(err.phase()).Inc()
	l.logger.Warn("held lock lost", "resource", h.resource, "path", err.Path, "error", cause)
	l.publish(h, "lost", err)
}

// Release deletes the contender node of h. Releasing twice, releasing a
// lost lock or releasing after the session expired returns nil.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.beginRelease() {
		return nil
	}
	ctx, span := l.tracer.Start(ctx, "Locker.Release", trace.WithAttributes(
		attribute.String("fairlock.resource", h.resource),
		attribute.String("fairlock.path", h.reg.path()),
	))
	defer span.End()

	if err := l.delete(ctx, h); err != nil {
		h.abortRelease()
		// the monitor stops once it sees a release in progress
		if h.State() == StateHolding {
			l.startMonitor(h)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return fmt.Errorf("release %s: %w", h.resource, err)
	}
	h.swapMonitor(func() {})()
	metrics.ReleaseCounter.Inc()
	if h.State() == StateError {
		return nil
	}
	prev := l.setState(h, StateReleased)
	if prev == StateHolding {
		l.logger.Debug("lock released", "resource", h.resource, "path", h.reg.path(), "held", time.Since(h.acquiredAt))
		l.publish(h, "released", nil)
	}
	return nil
}

// IsHeld reports whether h currently holds its lock.
func (l *Locker) IsHeld(h *Handle) bool {
	if h == nil || h.State() != StateHolding {
		return false
	}
	select {
	case <-h.lost:
		return false
	default:
		return !l.expired()
	}
}

// setState moves h to s, keeping the gauges and the event feed in step.
func (l *Locker) setState(h *Handle, s State) State {
	prev := h.reg.setState(s)
	if prev == s {
		return prev
	}
	switch prev {
	case StateWaiting:
		metrics.WaitingGauge.Dec()
	case StateHolding:
		metrics.HeldGauge.Dec()
	}
	switch s {
	case StateWaiting:
		metrics.WaitingGauge.Inc()
		l.publish(h, s.String(), nil)
	case StateHolding:
		metrics.HeldGauge.Inc()
		l.publish(h, s.String(), nil)
	}
	return prev
}

func (l *Locker) publish(h *Handle, state string, err error) {
	if l.events == nil {
		return
	}
	ev := watchbus.LockEvent{Resource: h.resource, Path: h.reg.path(), State: state}
	if err != nil {
		ev.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := watchbus.PublishEvent(ctx, l.events, ev); err != nil {
		l.logger.Warn("publish lock event", "resource", h.resource, "state", state, "error", err)
	}
}
