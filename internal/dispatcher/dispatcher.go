// Package dispatcher implements LaunchTask (spec.md section 4.5): decoding
// a signed command envelope, selecting the executors it targets, fanning
// it out to each one's GetTasks stream, and fanning their results back in
// on a single channel per task.
package dispatcher

import (
	"context"
	"crypto/ed25519"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zenria/funtonic/internal/audit"
	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
	"github.com/zenria/funtonic/internal/logging"
	"github.com/zenria/funtonic/internal/metrics"
	"github.com/zenria/funtonic/internal/observability"
	"github.com/zenria/funtonic/internal/predicate"
	"github.com/zenria/funtonic/internal/registry"
	"github.com/zenria/funtonic/internal/signing"
)

// InFlightTask tracks one LaunchTask's dispatch until every matched
// executor has reported a terminal result. downstream is closed once
// pending is empty, which ends the commander's LaunchTask server-stream
// (spec.md section 4.5 step 6).
type InFlightTask struct {
	TaskID      string
	ClientIDs   []string
	Predicate   string
	IssuerKeyID string
	LaunchedAt  time.Time
	downstream  chan domain.LaunchTaskResponse
	cancel      chan struct{}

	mu          sync.Mutex
	pending     map[string]struct{}
	closed      bool
	cancelFired bool
}

// Results returns the channel the LaunchTask RPC handler should forward to
// its caller. It is closed automatically once every matched executor has
// terminated.
func (t *InFlightTask) Results() <-chan domain.LaunchTaskResponse { return t.downstream }

// sendMatching unconditionally pushes the MatchingExecutors item, which
// must precede any TaskExecutionResult on the same stream (spec.md section
// 5 ordering guarantee (b)). It is called once, before any dispatch, and
// never participates in the pending/closed bookkeeping below.
func (t *InFlightTask) sendMatching() {
	t.downstream <- domain.NewMatchingExecutors(t.ClientIDs)
}

func (t *InFlightTask) closeEmpty() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	close(t.downstream)
}

func (t *InFlightTask) publish(result domain.TaskExecutionResult) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if result.Kind.Terminal() {
		if _, stillPending := t.pending[result.ClientID]; !stillPending {
			// Idempotent: a duplicate terminal result for a client that
			// already finished is dropped silently (spec.md section 4.7).
			t.mu.Unlock()
			return
		}
		delete(t.pending, result.ClientID)
	}
	done := len(t.pending) == 0
	if done {
		t.closed = true
	}
	t.mu.Unlock()

	select {
	case t.downstream <- domain.NewTaskExecutionResponse(result):
		if done {
			close(t.downstream)
		}
	case <-t.cancel:
		// Commander gone; nothing drains downstream anymore.
	}
}

// KeyPersister is the subset of keystore.Store the dispatcher needs to
// persist commander-issued authorizeKey/revokeKey variants before
// replicating them to connected executors (spec.md section 4.5 step 1).
type KeyPersister interface {
	AddAuthorizedKey(domain.AuthorizedKey) error
	RemoveAuthorizedKey(keyID string) error
}

// AuditSink receives one record per completed task, for the optional
// Postgres-backed dispatch history (SPEC_FULL.md section 4). Enqueue must
// not block the caller; audit.Batcher satisfies this.
type AuditSink interface {
	Enqueue(audit.Record)
}

// Dispatcher owns the registry, predicate matcher, and the set of
// in-flight tasks keyed by task_id.
type Dispatcher struct {
	registry  *registry.Registry
	matcher   predicate.Matcher
	authKeys  signing.KeyResolver
	replay    signing.ReplayCache
	keys      KeyPersister
	auditSink AuditSink
	now       func() time.Time
	newTaskID func() string

	mu       sync.Mutex
	inFlight map[string]*InFlightTask
}

// SetAuditSink attaches an optional audit trail; nil (the default)
// disables audit recording entirely.
func (d *Dispatcher) SetAuditSink(sink AuditSink) { d.auditSink = sink }

// New builds a Dispatcher. authKeys resolves the union of static,
// approved, and currently-connected-executor-contributed authorized keys
// (spec.md section 4.2); replay may be nil to disable replay checking
// (never recommended in production; useful for the predicate test suite).
// keys may be nil, in which case authorizeKey/revokeKey dispatches are
// still replicated to executors but never persisted (acceptable for tests
// that only exercise executeCommand dispatch).
func New(reg *registry.Registry, matcher predicate.Matcher, authKeys signing.KeyResolver, replay signing.ReplayCache, keys KeyPersister) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		matcher:   matcher,
		authKeys:  authKeys,
		replay:    replay,
		keys:      keys,
		now:       time.Now,
		newTaskID: func() string { return uuid.NewString() },
		inFlight:  make(map[string]*InFlightTask),
	}
}

// OnExecutorDisconnected implements registry.DisconnectObserver: every
// in-flight task the disconnected client is still pending in receives a
// synthetic "disconnected" terminal result (spec.md section 4.3).
func (d *Dispatcher) OnExecutorDisconnected(clientID string) {
	d.mu.Lock()
	tasks := make([]*InFlightTask, 0, len(d.inFlight))
	for _, t := range d.inFlight {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()

	for _, t := range tasks {
		t.mu.Lock()
		_, pending := t.pending[clientID]
		t.mu.Unlock()
		if pending {
			t.publish(domain.Disconnected(t.TaskID, clientID))
			d.evictIfDone(t)
		}
	}
}

// evictIfDone removes t from the in-flight index once it has no more
// pending clients, keeping the index from growing unbounded. Only the call
// that actually removes the entry records the audit outcome, so a racing
// pair of terminal results yields one record.
func (d *Dispatcher) evictIfDone(t *InFlightTask) {
	t.mu.Lock()
	done := t.closed
	t.mu.Unlock()
	if !done {
		return
	}
	d.mu.Lock()
	_, present := d.inFlight[t.TaskID]
	delete(d.inFlight, t.TaskID)
	count := len(d.inFlight)
	d.mu.Unlock()
	if !present {
		return
	}
	metrics.SetTasksInFlight(count)
	d.recordAudit(t, "completed")
}

// Cancel abandons t after the commander's stream is gone: blocked
// publishers are released, later results for it are dropped, and the task
// leaves the in-flight index immediately (spec.md section 5: "a commander
// disconnect cancels the downstream channel; the InFlightTask is
// unregistered immediately, pending executor results are dropped"). It is
// a no-op for a task that already drained normally.
func (d *Dispatcher) Cancel(t *InFlightTask) {
	t.mu.Lock()
	drained := t.closed
	t.closed = true
	if !t.cancelFired {
		t.cancelFired = true
		close(t.cancel)
	}
	t.mu.Unlock()

	d.mu.Lock()
	_, present := d.inFlight[t.TaskID]
	delete(d.inFlight, t.TaskID)
	count := len(d.inFlight)
	d.mu.Unlock()
	if !present {
		return
	}
	metrics.SetTasksInFlight(count)
	outcome := "canceled"
	if drained {
		outcome = "completed"
	}
	d.recordAudit(t, outcome)
}

// recordAudit enqueues t's audit record if an AuditSink is attached. It is
// a no-op otherwise, so taskservers run without a configured audit_dsn
// exactly as before this feature existed.
func (d *Dispatcher) recordAudit(t *InFlightTask, outcome string) {
	if d.auditSink == nil {
		return
	}
	d.auditSink.Enqueue(audit.Record{
		TaskID:       t.TaskID,
		Predicate:    t.Predicate,
		IssuerKeyID:  t.IssuerKeyID,
		MatchedCount: len(t.ClientIDs),
		Outcome:      outcome,
		LaunchedAt:   t.LaunchedAt,
		CompletedAt:  d.now(),
	})
}

// Launch verifies envelope, decodes its LaunchTaskRequestPayload, selects
// matching executors (or every connected executor for a broadcast
// variant), and dispatches it. It implements spec.md section 4.5 steps
// 1-6.
func (d *Dispatcher) Launch(ctx context.Context, envelope signing.Payload, predicateStr string) (*InFlightTask, error) {
	raw, err := signing.Verify(envelope, d.authKeys, d.replay, d.now())
	if err != nil {
		if kind, ok := ferrors.KindOf(err); ok && kind == ferrors.Replay {
			metrics.RecordReplayRejection()
		}
		return nil, err
	}

	var payload domain.LaunchTaskRequestPayload
	if err := payload.UnmarshalJSON(raw); err != nil {
		return nil, ferrors.New(ferrors.PredicateParse, "malformed LaunchTaskRequestPayload: %v", err)
	}

	_, span := observability.StartSpan(ctx, "dispatcher.Launch")
	defer span.End()

	taskID := d.newTaskID()
	start := d.now()
	env := domain.LaunchEnvelope{TaskID: taskID, Envelope: envelope}

	if payload.IsBroadcast() {
		// Broadcast (authorizeKey/revokeKey) targets every connected
		// executor regardless of predicate and never emits a
		// MatchingExecutors item: the stream simply closes once every
		// connected executor has had the envelope enqueued into its
		// GetTasks queue (spec.md section 4.5 step 1, scenario S6).
		if d.keys != nil {
			if err := d.persistKeyChange(payload); err != nil {
				observability.SetSpanError(span, err)
				return nil, err
			}
		}
		snaps, err := d.registry.ListConnected(nil)
		if err != nil {
			observability.SetSpanError(span, err)
			return nil, err
		}
		clientIDs := make([]string, 0, len(snaps))
		for _, s := range snaps {
			clientIDs = append(clientIDs, s.ClientID)
		}
		task := &InFlightTask{
			TaskID:      taskID,
			ClientIDs:   clientIDs,
			IssuerKeyID: envelope.KeyID,
			LaunchedAt:  start,
			downstream:  make(chan domain.LaunchTaskResponse, 1),
			cancel:      make(chan struct{}),
		}
		for _, clientID := range clientIDs {
			d.registry.Dispatch(clientID, env)
		}
		task.closeEmpty()
		d.recordAudit(task, "broadcast")
		metrics.RecordDispatch("broadcast")
		metrics.RecordDispatchLatency(float64(d.now().Sub(start).Milliseconds()))
		logging.Op().Info("broadcast dispatched", "task_id", taskID, "targets", len(clientIDs))
		logging.Audit().Log(logging.DispatchLogEntry{
			TaskID:    taskID,
			KeyID:     envelope.KeyID,
			Broadcast: true,
			Matched:   len(clientIDs),
		})
		observability.SetSpanOK(span)
		return task, nil
	}

	clientIDs, err := d.matchExecutors(ctx, predicateStr)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	if len(clientIDs) == 0 {
		metrics.RecordDispatch("no_match")
	} else {
		metrics.RecordDispatch("matched")
	}
	metrics.RecordDispatchLatency(float64(d.now().Sub(start).Milliseconds()))

	task := &InFlightTask{
		TaskID:      taskID,
		ClientIDs:   clientIDs,
		Predicate:   predicateStr,
		IssuerKeyID: envelope.KeyID,
		LaunchedAt:  start,
		downstream:  make(chan domain.LaunchTaskResponse, len(clientIDs)+1),
		cancel:      make(chan struct{}),
		pending:     make(map[string]struct{}, len(clientIDs)),
	}
	for _, id := range clientIDs {
		task.pending[id] = struct{}{}
	}

	// MatchingExecutors is always the first item on the stream, emitted
	// before any task is registered or dispatched (spec.md section 4.5
	// step 2).
	task.sendMatching()

	if len(clientIDs) == 0 {
		task.closeEmpty()
		d.recordAudit(task, "no_match")
		observability.SetSpanOK(span)
		return task, nil
	}

	d.mu.Lock()
	d.inFlight[taskID] = task
	count := len(d.inFlight)
	d.mu.Unlock()
	metrics.SetTasksInFlight(count)

	for _, clientID := range clientIDs {
		ok, sendErr := d.registry.Dispatch(clientID, env)
		if !ok || sendErr != nil {
			task.publish(domain.Disconnected(taskID, clientID))
		}
	}
	// Every enqueue may have failed, in which case the task is already
	// fully terminal and must not linger in the index.
	d.evictIfDone(task)

	logging.Op().Info("task dispatched", "task_id", taskID, "matched", len(clientIDs))
	logging.Audit().Log(logging.DispatchLogEntry{
		TaskID:    taskID,
		KeyID:     envelope.KeyID,
		Predicate: predicateStr,
		Matched:   len(clientIDs),
	})
	observability.SetSpanOK(span)
	return task, nil
}

// matchExecutors runs the predicate concurrently against every connected
// executor's tags, using an errgroup so one slow match does not block the
// others (spec.md section 4.5 step 2: "matching executors, computed by
// evaluating predicate concurrently").
func (d *Dispatcher) matchExecutors(ctx context.Context, predicateStr string) ([]string, error) {
	snaps, err := d.registry.ListConnected(nil)
	if err != nil {
		return nil, err
	}

	matchedFlags := make([]bool, len(snaps))
	g, _ := errgroup.WithContext(ctx)
	for i, snap := range snaps {
		i, snap := i, snap
		g.Go(func() error {
			ok, err := d.matcher.Match(predicateStr, snap.Tags)
			if err != nil {
				return err
			}
			matchedFlags[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ferrors.New(ferrors.PredicateParse, "%v", err)
	}

	var out []string
	for i, snap := range snaps {
		if matchedFlags[i] {
			out = append(out, snap.ClientID)
		}
	}
	return out, nil
}

// Resolve publishes a result against the in-flight task it belongs to. It
// is called by internal/resultrouter for every item on an executor's
// uplink stream. unknownTask is true if taskID has no (or no longer has
// an) in-flight entry, e.g. the commander already disconnected.
func (d *Dispatcher) Resolve(result domain.TaskExecutionResult) (unknownTask bool) {
	d.mu.Lock()
	task, ok := d.inFlight[result.TaskID]
	d.mu.Unlock()
	if !ok {
		return true
	}

	task.publish(result)
	d.evictIfDone(task)
	return false
}

// ResolveClientPublicKey resolves clientID's registered key, used to
// verify uplink TaskExecution envelopes (spec.md section 4.4).
func (d *Dispatcher) ResolveClientPublicKey(clientID string) (ed25519.PublicKey, bool) {
	return d.registry.ResolveExecutorOwnKey(clientID)
}

// RunningTasks implements admin.TaskIndex for listRunningTasks: a
// snapshot of every active task's id, predicate, matched set, and
// still-pending clients (spec.md section 4.6).
func (d *Dispatcher) RunningTasks() []domain.RunningTask {
	d.mu.Lock()
	tasks := make([]*InFlightTask, 0, len(d.inFlight))
	for _, t := range d.inFlight {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()

	out := make([]domain.RunningTask, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		pending := make([]string, 0, len(t.pending))
		for id := range t.pending {
			pending = append(pending, id)
		}
		t.mu.Unlock()
		sort.Strings(pending)
		out = append(out, domain.RunningTask{
			TaskID:    t.TaskID,
			Predicate: t.Predicate,
			Pending:   pending,
			Matched:   append([]string(nil), t.ClientIDs...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// persistKeyChange applies an authorizeKey/revokeKey variant to the
// persistent authorized-key set before it is replicated to executors, so
// a taskserver restart does not lose a key authorized moments before
// (spec.md section 4.5 step 1).
func (d *Dispatcher) persistKeyChange(payload domain.LaunchTaskRequestPayload) error {
	switch payload.Kind {
	case domain.KindAuthorizeKey:
		return d.keys.AddAuthorizedKey(domain.AuthorizedKey{
			KeyID:     payload.AuthorizeKey.KeyID,
			PublicKey: payload.AuthorizeKey.PublicKey,
		})
	case domain.KindRevokeKey:
		return d.keys.RemoveAuthorizedKey(payload.RevokeKey.KeyID)
	default:
		return nil
	}
}
