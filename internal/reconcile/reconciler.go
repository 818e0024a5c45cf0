package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/n6g7/nomtail/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uintptr/udyndns/internal/address"
	"github.com/uintptr/udyndns/internal/config"
	"github.com/uintptr/udyndns/internal/nameserver"
	"github.com/uintptr/udyndns/internal/state"
)

var (
	cycleCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udyndns_reconciliation_cycles",
		Help: "The total number of reconciliation cycles, by outcome",
	}, []string{"outcome"})
	updateCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udyndns_record_updates",
		Help: "The total number of record updates accepted by the nameserver",
	})
	lastSuccessGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udyndns_last_success_timestamp_seconds",
		Help: "Unix time of the last cycle that ended in sync",
	})
)

const (
	outcomeApplied = "applied"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

type StateStore interface {
	Load(name string) (state.State, error)
	Commit(name string, candidate address.Candidate) error
}

type Reconciler struct {
	logger       *log.Logger
	resolver     address.Resolver
	nsBackend    nameserver.Nameserver
	store        StateStore
	recordName   string
	force        bool
	pollInterval time.Duration
	cycleTimeout time.Duration

	initialized bool
}

func NewReconciler(
	logger *log.Logger,
	resolver address.Resolver,
	ns nameserver.Nameserver,
	store StateStore,
	conf *config.Config,
) *Reconciler {
	return &Reconciler{
		logger:       logger.With("component", "reconciler"),
		resolver:     resolver,
		nsBackend:    ns,
		store:        store,
		recordName:   conf.RecordName,
		force:        conf.Force,
		pollInterval: conf.PollInterval(),
		cycleTimeout: conf.CycleTimeout,
	}
}

// Reconcile runs one cycle: resolve, load state, decide, update the record
// and then commit. Any error aborts the remaining steps, so the state never
// moves past an update the nameserver did not accept.
// The nameserver backend is initialized on the first cycle and again on every
// cycle until that succeeds.
func (r *Reconciler) Reconcile(ctx context.Context) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cycleTimeout)
	defer cancel()

	if !r.initialized {
		if err := r.nsBackend.Init(ctx); err != nil {
			return Skip, fmt.Errorf("nameserver backend initialization failed: %w", err)
		}
		r.initialized = true
		r.logger.Info("initialized nameserver backend")
	}

	candidate, err := r.resolver.Fetch(ctx)
	if err != nil {
		return Skip, err
	}

	current, err := r.store.Load(r.recordName)
	if err != nil {
		return Skip, err
	}

	decision := Decide(current, candidate, r.force)
	if decision == Skip {
		r.logger.Debug("address unchanged", "name", r.recordName, "address", candidate.Address)
		return Skip, nil
	}

	name := nameserver.CanonicalName(r.recordName)
	recordType := nameserver.RecordTypeFor(candidate.Family)
	r.logger.Info(
		"updating record...",
		"name", name,
		"type", recordType,
		"address", candidate.Address,
		"changed", state.Changed(current, candidate),
		"force", r.force,
	)
	if err := r.nsBackend.UpdateRecord(ctx, name, recordType, candidate.Address); err != nil {
		return Apply, fmt.Errorf("record update failed: %w", err)
	}
	updateCounter.Inc()

	if err := r.store.Commit(r.recordName, candidate); err != nil {
		return Apply, fmt.Errorf("record updated but state not saved: %w", err)
	}
	r.logger.Info("record updated", "name", name, "type", recordType, "address", candidate.Address)
	return Apply, nil
}

func (r *Reconciler) cycle(ctx context.Context) error {
	decision, err := r.Reconcile(ctx)
	switch {
	case err != nil:
		cycleCounter.WithLabelValues(outcomeFailed).Inc()
		return err
	case decision == Apply:
		cycleCounter.WithLabelValues(outcomeApplied).Inc()
	default:
		cycleCounter.WithLabelValues(outcomeSkipped).Inc()
	}
	lastSuccessGauge.SetToCurrentTime()
	return nil
}

// RunOnce runs a single cycle and returns its error.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	return r.cycle(ctx)
}

// RunForever runs a cycle every poll interval until ctx is done. Cycle
// errors are logged and never stop the loop.
func (r *Reconciler) RunForever(ctx context.Context) error {
	for {
		if err := r.cycle(ctx); err != nil {
			r.logger.Error("error during reconciliation, will attempt again", "err", err, "next_attempt_in", r.pollInterval)
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
		}
	}
}

// Run is RunForever when a poll interval is configured, RunOnce otherwise.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.pollInterval > 0 {
		return r.RunForever(ctx)
	}
	return r.RunOnce(ctx)
}
