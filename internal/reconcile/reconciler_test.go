package reconcile

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/n6g7/nomtail/pkg/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/uintptr/udyndns/internal/address"
	"github.com/uintptr/udyndns/internal/config"
	"github.com/uintptr/udyndns/internal/nameserver"
	"github.com/uintptr/udyndns/internal/state"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const recordName = "home.example.com"

var (
	v4 = address.Candidate{Address: "203.0.113.5", Family: address.IPv4}
	v6 = address.Candidate{Address: "2001:db8::5", Family: address.IPv6}
)

// scriptedResolver returns its results in order, repeating the last one.
type scriptedResolver struct {
	mu      sync.Mutex
	results []resolveResult
	calls   int
	onCall  func(call int)
}

type resolveResult struct {
	candidate address.Candidate
	err       error
}

func resolves(c address.Candidate) resolveResult { return resolveResult{candidate: c} }
func fails(err error) resolveResult              { return resolveResult{err: err} }

func (s *scriptedResolver) Fetch(ctx context.Context) (address.Candidate, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	i := call - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	res := s.results[i]
	s.mu.Unlock()

	if s.onCall != nil {
		s.onCall(call)
	}
	return res.candidate, res.err
}

type update struct {
	Name    string
	Type    nameserver.RecordType
	Address string
}

type recordingNameserver struct {
	mu      sync.Mutex
	updates []update
	err     error
}

func (n *recordingNameserver) Init(ctx context.Context) error { return nil }

func (n *recordingNameserver) UpdateRecord(ctx context.Context, name string, recordType nameserver.RecordType, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, update{name, recordType, addr})
	return n.err
}

func (n *recordingNameserver) calls() []update {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]update(nil), n.updates...)
}

// flakyInitNameserver fails Init until it has been called failures+1 times.
type flakyInitNameserver struct {
	recordingNameserver
	failures  int
	initCalls int
}

func (n *flakyInitNameserver) Init(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initCalls++
	if n.initCalls <= n.failures {
		return &nameserver.AuthError{Provider: "test", Err: errors.New("connection refused")}
	}
	return nil
}

func (n *flakyInitNameserver) inits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initCalls
}

// commitFailingStore loads from a real store but never manages to commit.
type commitFailingStore struct {
	*state.Store
}

func (s commitFailingStore) Commit(name string, candidate address.Candidate) error {
	return &state.PersistError{Path: s.Path(name), Err: errors.New("disk full")}
}

func newReconciler(resolver address.Resolver, ns nameserver.Nameserver, store StateStore, force bool) *Reconciler {
	conf := &config.Config{
		RecordName:   recordName,
		Force:        force,
		CycleTimeout: 5 * time.Second,
	}
	return NewReconciler(log.SetupLogger(), resolver, ns, store, conf)
}

func seed(t *testing.T, store *state.Store, c address.Candidate) {
	assert.NilError(t, store.Commit(recordName, c))
}

func readState(t *testing.T, store *state.Store) string {
	data, err := os.ReadFile(store.Path(recordName))
	assert.NilError(t, err)
	return string(data)
}

func TestDecide(t *testing.T) {
	addr := v4.Address
	other := "198.51.100.1"

	assert.Check(t, is.Equal(Decide(state.State{}, v4, false), Apply), "first run")
	assert.Check(t, is.Equal(Decide(state.State{LastKnownAddress: &addr}, v4, true), Apply), "force")
	assert.Check(t, is.Equal(Decide(state.State{LastKnownAddress: &addr}, v4, false), Skip), "unchanged")
	assert.Check(t, is.Equal(Decide(state.State{LastKnownAddress: &other}, v4, false), Apply), "changed")
}

func TestDecideIdempotent(t *testing.T) {
	store := state.NewStore(t.TempDir())
	for _, c := range []address.Candidate{v4, v6} {
		s, err := store.Load(recordName)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(Decide(s, c, false), Apply))
		assert.NilError(t, store.Commit(recordName, c))

		s, err = store.Load(recordName)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(Decide(s, c, false), Skip))
	}
}

func TestFirstRunApplies(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ns := &recordingNameserver{}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v4)}}, ns, store, false)

	decision, err := r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(decision, Apply))
	assert.Check(t, is.DeepEqual(ns.calls(), []update{{"home.example.com.", "A", "203.0.113.5"}}))
	assert.Check(t, is.Equal(readState(t, store), `{"ip":"203.0.113.5"}`))
}

func TestUnchangedSkips(t *testing.T) {
	store := state.NewStore(t.TempDir())
	seed(t, store, v4)
	before := readState(t, store)

	ns := &recordingNameserver{}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v4)}}, ns, store, false)

	decision, err := r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(decision, Skip))
	assert.Check(t, is.Len(ns.calls(), 0))
	assert.Check(t, is.Equal(readState(t, store), before))
}

func TestForceApplies(t *testing.T) {
	store := state.NewStore(t.TempDir())
	seed(t, store, v4)

	ns := &recordingNameserver{}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v4)}}, ns, store, true)

	decision, err := r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(decision, Apply))
	assert.Check(t, is.Len(ns.calls(), 1))
	assert.Check(t, is.Equal(readState(t, store), `{"ip":"203.0.113.5"}`))
}

func TestIPv6UsesAAAA(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ns := &recordingNameserver{}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v6)}}, ns, store, false)

	_, err := r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(ns.calls(), []update{{"home.example.com.", "AAAA", "2001:db8::5"}}))
}

func TestProviderFailureKeepsState(t *testing.T) {
	store := state.NewStore(t.TempDir())
	seed(t, store, address.Candidate{Address: "198.51.100.1", Family: address.IPv4})
	before := readState(t, store)

	ns := &recordingNameserver{err: &nameserver.ProviderError{Status: 503}}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v4)}}, ns, store, false)

	_, err := r.Reconcile(context.Background())
	var providerErr *nameserver.ProviderError
	assert.Assert(t, errors.As(err, &providerErr))
	assert.Check(t, is.Equal(providerErr.Status, 503))
	assert.Check(t, is.Equal(readState(t, store), before))

	// The stale state is the retry trigger.
	ns.err = nil
	decision, err := r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(decision, Apply))
	assert.Check(t, is.Len(ns.calls(), 2))
	assert.Check(t, is.Equal(readState(t, store), `{"ip":"203.0.113.5"}`))
}

func TestCommitFailureConverges(t *testing.T) {
	dir := t.TempDir()
	ns := &recordingNameserver{}
	resolver := &scriptedResolver{results: []resolveResult{resolves(v4)}}

	failing := newReconciler(resolver, ns, commitFailingStore{state.NewStore(dir)}, false)
	_, err := failing.Reconcile(context.Background())
	var persistErr *state.PersistError
	assert.Assert(t, errors.As(err, &persistErr))
	assert.Check(t, is.Len(ns.calls(), 1))

	store := state.NewStore(dir)
	r := newReconciler(resolver, ns, store, false)
	decision, err := r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(decision, Apply))
	assert.Check(t, is.Len(ns.calls(), 2))

	decision, err = r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(decision, Skip))
}

func TestResolutionFailureAborts(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ns := &recordingNameserver{}
	resErr := &address.ResolutionError{Source: "http", Err: errors.New("no route to host")}
	r := newReconciler(&scriptedResolver{results: []resolveResult{fails(resErr)}}, ns, store, true)

	_, err := r.Reconcile(context.Background())
	assert.Check(t, errors.Is(err, resErr))
	assert.Check(t, is.Len(ns.calls(), 0))
	_, statErr := os.Stat(store.Path(recordName))
	assert.Check(t, errors.Is(statErr, os.ErrNotExist))
}

func TestCorruptStateAborts(t *testing.T) {
	store := state.NewStore(t.TempDir())
	assert.NilError(t, os.WriteFile(store.Path(recordName), []byte(`{"ip":`), 0o644))

	ns := &recordingNameserver{}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v4)}}, ns, store, false)

	_, err := r.Reconcile(context.Background())
	var corruptErr *state.CorruptError
	assert.Assert(t, errors.As(err, &corruptErr))
	assert.Check(t, is.Len(ns.calls(), 0))
}

func TestRunOnceReturnsError(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ns := &recordingNameserver{err: &nameserver.ProviderError{Status: 500}}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v4)}}, ns, store, false)

	failedBefore := testutil.ToFloat64(cycleCounter.WithLabelValues(outcomeFailed))
	err := r.Run(context.Background())
	assert.Check(t, is.ErrorContains(err, "status 500"))
	assert.Check(t, is.Equal(testutil.ToFloat64(cycleCounter.WithLabelValues(outcomeFailed)), failedBefore+1))
}

func TestRunForeverSurvivesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := state.NewStore(t.TempDir())
	ns := &recordingNameserver{}
	resolver := &scriptedResolver{
		results: []resolveResult{
			fails(errors.New("timeout")),
			fails(errors.New("timeout")),
			resolves(v4),
		},
		onCall: func(call int) {
			if call == 5 {
				cancel()
			}
		},
	}
	r := newReconciler(resolver, ns, store, false)
	r.pollInterval = time.Millisecond

	appliedBefore := testutil.ToFloat64(cycleCounter.WithLabelValues(outcomeApplied))
	skippedBefore := testutil.ToFloat64(cycleCounter.WithLabelValues(outcomeSkipped))
	updatesBefore := testutil.ToFloat64(updateCounter)

	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop after cancellation")
	}

	assert.Check(t, is.Equal(resolver.calls, 5))
	assert.Check(t, is.DeepEqual(ns.calls(), []update{{"home.example.com.", "A", "203.0.113.5"}}))
	assert.Check(t, is.Equal(testutil.ToFloat64(cycleCounter.WithLabelValues(outcomeApplied)), appliedBefore+1))
	assert.Check(t, is.Equal(testutil.ToFloat64(updateCounter), updatesBefore+1))
	assert.Check(t, testutil.ToFloat64(cycleCounter.WithLabelValues(outcomeSkipped)) >= skippedBefore+1)
}

func TestRunForeverForcesEveryCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns := &recordingNameserver{}
	resolver := &scriptedResolver{
		results: []resolveResult{resolves(v4)},
		onCall: func(call int) {
			if call == 3 {
				cancel()
			}
		},
	}
	r := newReconciler(resolver, ns, state.NewStore(t.TempDir()), true)
	r.pollInterval = time.Millisecond

	assert.NilError(t, r.Run(ctx))
	assert.Check(t, is.Len(ns.calls(), 3))
}

func TestInitFailureAbortsCycle(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ns := &flakyInitNameserver{failures: 1}
	resolver := &scriptedResolver{results: []resolveResult{resolves(v4)}}
	r := newReconciler(resolver, ns, store, false)

	_, err := r.Reconcile(context.Background())
	var authErr *nameserver.AuthError
	assert.Assert(t, errors.As(err, &authErr))
	assert.Check(t, is.Equal(resolver.calls, 0))
	assert.Check(t, is.Len(ns.calls(), 0))

	decision, err := r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(decision, Apply))
	assert.Check(t, is.Len(ns.calls(), 1))

	// Initialized once, not on every cycle.
	_, err = r.Reconcile(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(ns.inits(), 2))
}

func TestRunOnceFailsOnInitError(t *testing.T) {
	ns := &flakyInitNameserver{failures: 1}
	r := newReconciler(&scriptedResolver{results: []resolveResult{resolves(v4)}}, ns, state.NewStore(t.TempDir()), false)

	err := r.Run(context.Background())
	assert.Check(t, is.ErrorContains(err, "initialization failed"))
	assert.Check(t, is.Len(ns.calls(), 0))
}

func TestRunForeverRetriesInit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns := &flakyInitNameserver{failures: 2}
	resolver := &scriptedResolver{
		results: []resolveResult{resolves(v4)},
		onCall: func(call int) {
			if call == 2 {
				cancel()
			}
		},
	}
	r := newReconciler(resolver, ns, state.NewStore(t.TempDir()), false)
	r.pollInterval = time.Millisecond

	assert.NilError(t, r.Run(ctx))
	assert.Check(t, is.Equal(ns.inits(), 3))
	assert.Check(t, is.DeepEqual(ns.calls(), []update{{"home.example.com.", "A", "203.0.113.5"}}))
}
