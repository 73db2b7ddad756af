package dispatcher

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/keystore"
	"github.com/zenria/funtonic/internal/predicate"
	"github.com/zenria/funtonic/internal/registry"
	"github.com/zenria/funtonic/internal/signing"
)

type fakeSink struct {
	ch      chan domain.LaunchEnvelope
	sendErr error
}

func newFakeSink() *fakeSink { return &fakeSink{ch: make(chan domain.LaunchEnvelope, 8)} }

func (f *fakeSink) Send(env domain.LaunchEnvelope) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.ch <- env
	return nil
}
func (f *fakeSink) Close() {}

func setup(t *testing.T) (*Dispatcher, *registry.Registry, *keystore.Store, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	cmdPub, cmdPriv, _ := ed25519.GenerateKey(nil)

	store, err := keystore.Open(path, []domain.AuthorizedKey{{KeyID: "cmd1", PublicKey: cmdPub}}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	resolver := signing.KeyResolverFunc(func(keyID string) (ed25519.PublicKey, bool) {
		k, ok := store.GetAuthorizedKey(keyID)
		if !ok {
			return nil, false
		}
		return ed25519.PublicKey(k.PublicKey), true
	})

	d := New(reg, predicate.Default{}, resolver, nil, store)
	reg.AddObserver(d)
	return d, reg, store, cmdPub, cmdPriv
}

func registerExecutor(t *testing.T, store *keystore.Store, reg *registry.Registry, clientID string, tags domain.TagTree) (*fakeSink, ed25519.PublicKey) {
	t.Helper()
	pub, _, _ := ed25519.GenerateKey(nil)
	if err := store.PutPendingExecutorKey(clientID, pub); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey(clientID); err != nil {
		t.Fatal(err)
	}
	sink := newFakeSink()
	if err := reg.Register(clientID, pub, tags, "1.0.0", "1", sink); err != nil {
		t.Fatalf("register %s: %v", clientID, err)
	}
	return sink, pub
}

func signExecuteCommand(t *testing.T, priv ed25519.PrivateKey, keyID, cmd string) signing.Payload {
	t.Helper()
	payload := domain.LaunchTaskRequestPayload{
		Kind:           domain.KindExecuteCommand,
		ExecuteCommand: &domain.ExecuteCommand{Command: cmd},
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	return signing.Sign(raw, priv, keyID, time.Minute)
}

func TestLaunch_MatchesAndDispatches(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	sinkA, _ := registerExecutor(t, store, reg, "a", domain.NewStringTag("linux"))
	registerExecutor(t, store, reg, "b", domain.NewStringTag("darwin"))

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if len(task.ClientIDs) != 2 {
		t.Fatalf("expected broadcast-equivalent empty predicate to match all, got %v", task.ClientIDs)
	}

	select {
	case got := <-sinkA.ch:
		if got.TaskID != task.TaskID {
			t.Fatalf("unexpected task id on sink: %s", got.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for dispatch to sink a")
	}
}

func TestLaunch_MatchingExecutorsIsFirstStreamItem(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	registerExecutor(t, store, reg, "a", domain.NewStringTag("linux"))

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	select {
	case resp := <-task.Results():
		if resp.Kind != domain.KindMatchingExecutors {
			t.Fatalf("expected MatchingExecutors as first item, got %+v", resp)
		}
		if len(resp.MatchingExecutors.ClientIDs) != 1 || resp.MatchingExecutors.ClientIDs[0] != "a" {
			t.Fatalf("unexpected matched set: %+v", resp.MatchingExecutors)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for MatchingExecutors")
	}
}

func TestLaunch_NoMatch(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	registerExecutor(t, store, reg, "a", domain.NewMapTag(map[string]domain.TagTree{
		"os": domain.NewStringTag("linux"),
	}))

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "os=darwin")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if len(task.ClientIDs) != 0 {
		t.Fatalf("expected no matches, got %v", task.ClientIDs)
	}

	select {
	case resp, open := <-task.Results():
		if !open {
			t.Fatalf("expected MatchingExecutors before the channel closes")
		}
		if resp.Kind != domain.KindMatchingExecutors || len(resp.MatchingExecutors.ClientIDs) != 0 {
			t.Fatalf("unexpected first item: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for MatchingExecutors")
	}

	select {
	case _, open := <-task.Results():
		if open {
			t.Fatalf("expected closed empty results channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for empty-match task to close")
	}
}

func TestLaunch_RejectsUnauthorizedKey(t *testing.T) {
	d, _, _, _, _ := setup(t)
	otherPub, otherPriv, _ := ed25519.GenerateKey(nil)
	_ = otherPub

	env := signExecuteCommand(t, otherPriv, "not-a-real-key", "uptime")
	if _, err := d.Launch(context.Background(), env, ""); err == nil {
		t.Fatalf("expected error for unknown key_id")
	}
}

func TestDisconnectDuringDispatch_PublishesSyntheticResult(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	sinkA, _ := registerExecutor(t, store, reg, "a", domain.NewMapTag(map[string]domain.TagTree{
		"os": domain.NewStringTag("linux"),
	}))
	_ = sinkA

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "os=linux")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	reg.Unregister("a", sinkA)

	select {
	case resp := <-task.Results():
		if resp.Kind != domain.KindMatchingExecutors {
			t.Fatalf("expected MatchingExecutors before any result, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for MatchingExecutors")
	}

	select {
	case resp := <-task.Results():
		if resp.Kind != domain.KindTaskExecutionResult ||
			resp.TaskExecutionResult.Kind != domain.KindDisconnected ||
			resp.TaskExecutionResult.ClientID != "a" {
			t.Fatalf("unexpected result: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for synthetic disconnected result")
	}
}

func TestResolve_TerminalResultDrainsAndCloses(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	registerExecutor(t, store, reg, "a", domain.NewMapTag(map[string]domain.TagTree{
		"os": domain.NewStringTag("linux"),
	}))

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "os=linux")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-task.Results() // MatchingExecutors

	if unknown := d.Resolve(domain.TaskExecutionResult{
		Kind:          domain.KindTaskCompleted,
		TaskID:        task.TaskID,
		ClientID:      "a",
		TaskCompleted: &domain.TaskCompleted{ExitCode: 0},
	}); unknown {
		t.Fatalf("expected Resolve to find the in-flight task")
	}

	select {
	case resp := <-task.Results():
		if resp.TaskExecutionResult == nil || resp.TaskExecutionResult.Kind != domain.KindTaskCompleted {
			t.Fatalf("unexpected result: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for terminal result")
	}

	select {
	case _, open := <-task.Results():
		if open {
			t.Fatalf("expected closed channel after pending drained")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for drained task to close")
	}

	// A duplicate terminal after the task drained is dropped silently.
	if unknown := d.Resolve(domain.TaskExecutionResult{
		Kind:     domain.KindTaskCompleted,
		TaskID:   task.TaskID,
		ClientID: "a",
	}); !unknown {
		t.Fatalf("expected drained task to be gone from the index")
	}
}

func TestLaunch_AllSendsFailEvictsTask(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	sink, _ := registerExecutor(t, store, reg, "a", domain.NewMapTag(map[string]domain.TagTree{
		"os": domain.NewStringTag("linux"),
	}))
	sink.sendErr = errSendFailed

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "os=linux")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	<-task.Results() // MatchingExecutors
	select {
	case resp := <-task.Results():
		if resp.TaskExecutionResult == nil || resp.TaskExecutionResult.Kind != domain.KindDisconnected {
			t.Fatalf("expected synthetic disconnected on send failure, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for disconnected result")
	}

	if tasks := d.RunningTasks(); len(tasks) != 0 {
		t.Fatalf("expected fully-failed task evicted from the index, got %v", tasks)
	}
}

func TestCancel_UnregistersAndReleasesPublisher(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	registerExecutor(t, store, reg, "a", domain.NewMapTag(map[string]domain.TagTree{
		"os": domain.NewStringTag("linux"),
	}))

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "os=linux")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	d.Cancel(task)
	if tasks := d.RunningTasks(); len(tasks) != 0 {
		t.Fatalf("expected canceled task removed from the index, got %v", tasks)
	}

	// Late results from the executor must be dropped without blocking even
	// though nothing drains the downstream channel anymore.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 16; i++ {
			d.Resolve(domain.TaskExecutionResult{
				Kind:       domain.KindTaskOutput,
				TaskID:     task.TaskID,
				ClientID:   "a",
				TaskOutput: &domain.TaskOutput{Stdout: "late"},
			})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("late results blocked after cancel")
	}
}

// A reconnect closes the prior connection's stream but does not synthesize
// disconnected results for tasks dispatched to it: the executor is still
// there, and its uplink (which is independent of the GetTasks connection)
// can still deliver the terminal result.
func TestSupersession_PendingTaskSurvivesReconnect(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	sink1, pub := registerExecutor(t, store, reg, "a", domain.NewMapTag(map[string]domain.TagTree{
		"os": domain.NewStringTag("linux"),
	}))
	_ = sink1

	env := signExecuteCommand(t, cmdPriv, "cmd1", "uptime")
	task, err := d.Launch(context.Background(), env, "os=linux")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-task.Results() // MatchingExecutors

	sink2 := newFakeSink()
	if err := reg.Register("a", pub, domain.NewStringTag("linux"), "1.0.0", "1", sink2); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	// The superseded connection's handler unregisters itself; this must not
	// produce a synthetic disconnected for the still-connected client.
	reg.Unregister("a", sink1)

	select {
	case resp := <-task.Results():
		t.Fatalf("expected no result on supersession, got %+v", resp)
	case <-time.After(50 * time.Millisecond):
	}

	d.Resolve(domain.TaskExecutionResult{
		Kind:          domain.KindTaskCompleted,
		TaskID:        task.TaskID,
		ClientID:      "a",
		TaskCompleted: &domain.TaskCompleted{ExitCode: 0},
	})
	select {
	case resp := <-task.Results():
		if resp.TaskExecutionResult == nil || resp.TaskExecutionResult.Kind != domain.KindTaskCompleted {
			t.Fatalf("expected completion over the uplink, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion after reconnect")
	}
}

var errSendFailed = errors.New("send failed")

func TestLaunch_AuthorizeKeyBroadcast(t *testing.T) {
	d, reg, store, _, cmdPriv := setup(t)
	sinkA, _ := registerExecutor(t, store, reg, "a", domain.NewStringTag("linux"))
	sinkB, _ := registerExecutor(t, store, reg, "b", domain.NewStringTag("darwin"))

	newPub, _, _ := ed25519.GenerateKey(nil)
	payload := domain.LaunchTaskRequestPayload{
		Kind:         domain.KindAuthorizeKey,
		AuthorizeKey: &domain.AuthorizeKey{KeyID: "cmd2", PublicKey: newPub},
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	env := signing.Sign(raw, cmdPriv, "cmd1", time.Minute)

	task, err := d.Launch(context.Background(), env, "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	// Broadcast streams never emit MatchingExecutors; the channel simply
	// closes once every connected executor has the envelope enqueued.
	select {
	case resp, open := <-task.Results():
		if open {
			t.Fatalf("expected broadcast stream to close without items, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast stream to close")
	}

	for name, sink := range map[string]*fakeSink{"a": sinkA, "b": sinkB} {
		select {
		case got := <-sink.ch:
			if got.Envelope.KeyID != "cmd1" {
				t.Fatalf("executor %s received envelope with key_id %q", name, got.Envelope.KeyID)
			}
		case <-time.After(time.Second):
			t.Fatalf("executor %s never received the broadcast", name)
		}
	}

	if _, ok := store.GetAuthorizedKey("cmd2"); !ok {
		t.Fatalf("expected authorized key persisted before replication")
	}
}
