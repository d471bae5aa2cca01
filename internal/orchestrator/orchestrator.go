// Package orchestrator drives the per-unit pipeline: watch the input
// directory, deduplicate by content hash, sequence transcription,
// diarization and refinement, and publish artifacts atomically. Event intake
// and pipeline execution are decoupled through a work queue; work per unit is
// serialized by an in-flight lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"callscribe/internal/logger"
	"callscribe/internal/state"
	"callscribe/internal/store"
	"callscribe/internal/transcription"
	"callscribe/internal/types"
)

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (types.RawTranscript, error)
}

type Diarizer interface {
	Diarize(ctx context.Context, raw types.RawTranscript, audioPath string) ([]types.SpeakerCluster, error)
}

type Refiner interface {
	Refine(ctx context.Context, raw types.RawTranscript, clusters []types.SpeakerCluster) (types.RefinedTranscript, types.Summary, error)
}

type Options struct {
	InputDir      string
	MaxConcurrent int
	MaxAttempts   int
	RetryDelay    time.Duration
}

type Orchestrator struct {
	opts    Options
	trans   Transcriber
	diar    Diarizer
	refiner Refiner
	state   *state.Store
	results *store.Store
	log     *logger.Logger

	queue chan job

	mu       sync.Mutex
	inflight map[string]bool

	wg sync.WaitGroup
}

type job struct {
	unitID string
	force  bool
}

func New(opts Options, trans Transcriber, diar Diarizer, refiner Refiner, st *state.Store, results *store.Store, log *logger.Logger) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Orchestrator{
		opts:     opts,
		trans:    trans,
		diar:     diar,
		refiner:  refiner,
		state:    st,
		results:  results,
		log:      log,
		queue:    make(chan job, 256),
		inflight: make(map[string]bool),
	}
}

// Start launches the worker pool, requeues units interrupted by a previous
// shutdown, sweeps pre-existing input files and then watches the input
// directory until ctx is canceled.
func (o *Orchestrator) Start(ctx context.Context) error {
	for i := 0; i < o.opts.MaxConcurrent; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}

	if err := o.resume(ctx); err != nil {
		return err
	}
	if err := o.sweep(ctx); err != nil {
		o.log.WithError(err).Warn("initial input sweep failed")
	}

	err := o.watch(ctx)
	o.wg.Wait()
	return err
}

// HandleFile registers one input file: hash the content, dedupe against
// persisted state and enqueue a pipeline run when work remains to be done.
// Re-delivery of identical bytes is a no-op once the unit is done or in
// flight.
func (o *Orchestrator) HandleFile(ctx context.Context, path string) error {
	if !transcription.Supported(path) {
		o.log.WithField("path", path).Debug("ignoring non-audio file")
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input %s: %w", path, err)
	}
	hash := types.HashBytes(content)

	unit, found, err := o.state.FindByHash(ctx, hash)
	if err != nil {
		return err
	}
	if found {
		if unit.Status.Terminal() {
			o.log.WithUnit(unit.ID).Debug("content already handled, skipping")
			return nil
		}
		if !o.claim(unit.ID) {
			o.log.WithUnit(unit.ID).Debug("pipeline already in flight, dropping duplicate event")
			return nil
		}
		// Reload under the claim: the pipeline may have finished between the
		// hash lookup and the claim, and writing the stale copy back would
		// erase that transition.
		unit, err = o.state.Get(ctx, unit.ID)
		if err != nil {
			o.release(unit.ID)
			return err
		}
		if unit.Status.Terminal() {
			o.release(unit.ID)
			return nil
		}
		if unit.Path != path {
			unit.Path = path
			if err := o.putUnit(ctx, unit); err != nil {
				o.release(unit.ID)
				return err
			}
		}
		o.dispatch(ctx, job{unitID: unit.ID})
		return nil
	}

	unit = types.AudioUnit{
		ID:          types.UnitID(path, hash),
		Path:        path,
		ContentHash: hash,
		ArrivedAt:   time.Now().UTC(),
		Status:      types.StatusPending,
	}
	if err := o.putUnit(ctx, unit); err != nil {
		return err
	}
	o.log.WithUnit(unit.ID).WithField("path", path).Info("new audio unit registered")
	o.enqueue(ctx, unit.ID, false)
	return nil
}

// Reprocess forces a re-run of a unit regardless of terminal state, discarding
// any previously published artifacts so the UI never serves results that
// predate the rerun. This is the only mutation path exposed to the web UI.
func (o *Orchestrator) Reprocess(ctx context.Context, id string) error {
	if !o.claim(id) {
		return fmt.Errorf("unit %s is already being processed", id)
	}
	unit, err := o.state.Get(ctx, id)
	if err != nil {
		o.release(id)
		return err
	}
	if err := o.results.Discard(id); err != nil {
		o.release(id)
		return fmt.Errorf("discard artifacts for %s: %w", id, err)
	}
	unit.Status = types.StatusPending
	unit.Attempts = 0
	unit.LastError = ""
	if err := o.putUnit(ctx, unit); err != nil {
		o.release(id)
		return err
	}
	o.log.WithUnit(id).Info("reprocess requested")
	o.dispatch(ctx, job{unitID: id, force: true})
	return nil
}

// Units exposes the read-only view the UI and report exporter consume.
func (o *Orchestrator) Units(ctx context.Context) ([]types.AudioUnit, error) {
	return o.state.List(ctx)
}

// enqueue admits a unit to the work queue unless a pipeline for it is already
// in flight. The in-flight claim is released by the worker when the run ends.
func (o *Orchestrator) enqueue(ctx context.Context, id string, force bool) {
	if !o.claim(id) {
		o.log.WithUnit(id).Debug("pipeline already in flight, dropping duplicate event")
		return
	}
	o.dispatch(ctx, job{unitID: id, force: force})
}

// claim marks a unit in flight. Holding the claim is what serializes every
// state write for the unit, the intake path update included.
func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[id] {
		return false
	}
	o.inflight[id] = true
	return true
}

// dispatch hands a claimed job to the workers without blocking the event path.
// On shutdown the claim is released instead of parking the handoff on a queue
// nobody drains anymore.
func (o *Orchestrator) dispatch(ctx context.Context, j job) {
	select {
	case o.queue <- j:
	default:
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			select {
			case o.queue <- j:
			case <-ctx.Done():
				o.release(j.unitID)
			}
		}()
	}
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			o.run(ctx, j)
		}
	}
}

// run executes one pipeline attempt for one unit. Stages run strictly in
// sequence; every status transition is persisted before the stage executes so
// a crash resumes from a truthful state.
func (o *Orchestrator) run(ctx context.Context, j job) {
	defer o.release(j.unitID)

	unit, err := o.state.Get(ctx, j.unitID)
	if err != nil {
		o.log.WithUnit(j.unitID).WithError(err).Error("cannot load unit state")
		return
	}
	if unit.Status.Terminal() && !j.force {
		return
	}

	log := o.log.WithUnit(unit.ID)
	start := time.Now()

	unit.Status = types.StatusTranscribing
	if err := o.putUnit(ctx, unit); err != nil {
		log.WithError(err).Error("cannot persist status")
		return
	}
	raw, err := o.transcribeWithRetry(ctx, unit.Path)
	if err != nil {
		o.fail(ctx, unit, err)
		return
	}

	unit.Status = types.StatusDiarizing
	if err := o.putUnit(ctx, unit); err != nil {
		log.WithError(err).Error("cannot persist status")
		return
	}
	clusters, err := o.diar.Diarize(ctx, raw, unit.Path)
	if err != nil {
		o.fail(ctx, unit, err)
		return
	}

	unit.Status = types.StatusRefining
	if err := o.putUnit(ctx, unit); err != nil {
		log.WithError(err).Error("cannot persist status")
		return
	}
	refined, summary, err := o.refiner.Refine(ctx, raw, clusters)
	if err != nil {
		o.fail(ctx, unit, err)
		return
	}

	// A unit deleted or replaced while in flight finishes, but its result is
	// discarded rather than promoted.
	if superseded, reason := o.superseded(unit); superseded {
		unit.Status = types.StatusFailed
		unit.LastError = reason
		if err := o.putUnit(ctx, unit); err != nil {
			log.WithError(err).Error("cannot persist status")
		}
		log.WithField("reason", reason).Warn("result discarded")
		return
	}

	if err := o.publish(unit, raw, clusters, refined, summary); err != nil {
		o.fail(ctx, unit, err)
		return
	}

	unit.Status = types.StatusDone
	unit.LastError = ""
	if err := o.putUnit(ctx, unit); err != nil {
		log.WithError(err).Error("cannot persist status")
		return
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("pipeline completed")
}

// transcribeWithRetry gives the transcription engine exactly one extra chance
// on a transient failure before the error counts against the unit.
func (o *Orchestrator) transcribeWithRetry(ctx context.Context, path string) (types.RawTranscript, error) {
	raw, err := o.trans.Transcribe(ctx, path)
	if err != nil && isTransient(err) {
		o.log.WithError(err).Warn("transcription failed, retrying once")
		raw, err = o.trans.Transcribe(ctx, path)
	}
	return raw, err
}

func (o *Orchestrator) publish(unit types.AudioUnit, raw types.RawTranscript, clusters []types.SpeakerCluster, refined types.RefinedTranscript, summary types.Summary) error {
	if err := o.results.WriteRawTranscript(unit.ID, raw, clusters); err != nil {
		return err
	}
	if err := o.results.WriteTranscript(unit.ID, refined); err != nil {
		return err
	}
	return o.results.WriteSummary(unit.ID, summary)
}

// superseded reports whether the source file vanished or changed content
// while the pipeline ran.
func (o *Orchestrator) superseded(unit types.AudioUnit) (bool, string) {
	content, err := os.ReadFile(unit.Path)
	if err != nil {
		return true, "source file removed before completion; result discarded"
	}
	if types.HashBytes(content) != unit.ContentHash {
		return true, "source file replaced before completion; result discarded"
	}
	return false, ""
}

// fail records a stage failure against the unit. Transient failures consume
// one retry attempt and are rescheduled while budget remains; permanent
// failures and exhausted budgets quarantine the unit for manual intervention.
func (o *Orchestrator) fail(ctx context.Context, unit types.AudioUnit, cause error) {
	log := o.log.WithUnit(unit.ID).WithError(cause)
	unit.LastError = cause.Error()

	if !isTransient(cause) {
		unit.Status = types.StatusQuarantined
		if err := o.putUnit(ctx, unit); err != nil {
			log.WithField("put_error", err.Error()).Error("cannot persist quarantine")
			return
		}
		log.Error("permanent failure, unit quarantined")
		return
	}

	unit.Attempts++
	if unit.Attempts >= o.opts.MaxAttempts {
		unit.Status = types.StatusQuarantined
		if err := o.putUnit(ctx, unit); err != nil {
			log.WithField("put_error", err.Error()).Error("cannot persist quarantine")
			return
		}
		log.WithField("attempts", unit.Attempts).Error("retry budget exhausted, unit quarantined")
		return
	}

	unit.Status = types.StatusFailed
	if err := o.putUnit(ctx, unit); err != nil {
		log.WithField("put_error", err.Error()).Error("cannot persist failure")
		return
	}
	log.WithField("attempts", unit.Attempts).Warn("stage failed, retry scheduled")

	id := unit.ID
	time.AfterFunc(o.opts.RetryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		o.enqueue(ctx, id, false)
	})
}

func (o *Orchestrator) putUnit(ctx context.Context, unit types.AudioUnit) error {
	unit.UpdatedAt = time.Now().UTC()
	return o.state.Put(ctx, unit)
}

// resume requeues units a previous process left mid-pipeline, so a restart
// continues instead of reprocessing from scratch.
func (o *Orchestrator) resume(ctx context.Context) error {
	units, err := o.state.List(ctx)
	if err != nil {
		return err
	}
	for _, u := range units {
		if u.Status.Terminal() {
			continue
		}
		o.log.WithUnit(u.ID).WithField("status", string(u.Status)).Info("resuming interrupted unit")
		o.enqueue(ctx, u.ID, false)
	}
	return nil
}

// isTransient classifies stage errors for retry purposes. Stage error types
// carry their own classification; unknown errors default to transient so an
// unexpected condition does not permanently sink a unit.
func isTransient(err error) bool {
	var t interface{ IsTransient() bool }
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return true
}
