package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/clustering"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/fingerprint"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
	"github.com/fyrsmithlabs/feedbackd/internal/synthesis"
)

// ErrAborted marks a run that failed as a whole after undoing its writes:
// persistence failed or the synthesizer reported a fatal error. Batches
// end FAILED when a unit aborts.
var ErrAborted = errors.New("aggregation aborted")

func aborted(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrAborted, err)
}

type runMode int

const (
	modeIncremental runMode = iota
	modeRerun
	modePending
)

func (m runMode) String() string {
	switch m {
	case modeRerun:
		return "rerun"
	case modePending:
		return "pending"
	default:
		return "incremental"
	}
}

// Orchestrator archives, synthesizes and persists consolidated items for one
// (kind, scope) at a time. Runs over overlapping scopes must not run
// concurrently; the service's per-agent operation key provides that.
type Orchestrator struct {
	sources     map[feedback.Kind]Source
	clusterer   *clustering.Clusterer
	store       feedback.ConsolidatedStore
	checkpoints *operation.Checkpoints
	synth       synthesis.Synthesizer
	logger      *zap.Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSource replaces the source for src.Kind().
func WithSource(src Source) Option {
	return func(o *Orchestrator) {
		o.sources[src.Kind()] = src
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator. Feedback is aggregated from items and skills
// from the CURRENT feedback in store.
func New(
	items feedback.ItemStore,
	store feedback.ConsolidatedStore,
	checkpoints *operation.Checkpoints,
	clusterer *clustering.Clusterer,
	synth synthesis.Synthesizer,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	if items == nil {
		return nil, fmt.Errorf("item store cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("consolidated store cannot be nil")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoints cannot be nil")
	}
	if clusterer == nil {
		return nil, fmt.Errorf("clusterer cannot be nil")
	}
	if synth == nil {
		return nil, fmt.Errorf("synthesizer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	raw, _ := NewRawSource(items)
	fb, _ := NewFeedbackSource(store)

	o := &Orchestrator{
		sources: map[feedback.Kind]Source{
			feedback.KindFeedback: raw,
			feedback.KindSkill:    fb,
		},
		clusterer:   clusterer,
		store:       store,
		checkpoints: checkpoints,
		synth:       synth,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(logger)
	}
	return o, nil
}

// RunAggregation brings the CURRENT generation of (kind, scope) up to date.
//
// Without rerun only clusters whose membership changed since the last run
// are synthesized and only the items of vanished clusters are archived.
// With rerun the previous ledger is ignored and every CURRENT item in scope
// is archived and replaced; a first run behaves the same way with nothing
// to archive.
//
// If persisting fails the items saved by this run are deleted and the
// archived items restored before the error is returned. A non-nil Result
// with a non-nil error means the run committed but superseded copies could
// not be deleted.
func (o *Orchestrator) RunAggregation(ctx context.Context, kind feedback.Kind, scope feedback.Scope, rerun bool) (*Result, error) {
	mode := modeIncremental
	if rerun {
		mode = modeRerun
	}
	return o.run(ctx, kind, scope, mode)
}

// GeneratePending writes a full new generation of (kind, scope) with status
// PENDING. CURRENT and ARCHIVED items are untouched. Existing PENDING items
// are replaced only once the new generation is persisted, so repeating the
// call converges on one PENDING generation.
func (o *Orchestrator) GeneratePending(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (*Result, error) {
	return o.run(ctx, kind, scope, modePending)
}

// NewItemCount reports how many eligible source items arrived after the
// last processed id of the CURRENT generation.
func (o *Orchestrator) NewItemCount(ctx context.Context, kind feedback.Kind, scope feedback.Scope) (int, error) {
	src, err := o.source(kind, scope)
	if err != nil {
		return 0, err
	}
	cp, err := o.checkpoints.Load(ctx, kind, scope.Agent, operation.GenerationCurrent)
	if err != nil {
		return 0, err
	}
	return src.CountAfter(ctx, scope, cp.LastProcessedID(scope))
}

func (o *Orchestrator) source(kind feedback.Kind, scope feedback.Scope) (Source, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	src, ok := o.sources[kind]
	if !ok {
		return nil, fmt.Errorf("no source configured for kind %q", kind)
	}
	if err := src.CheckScope(scope); err != nil {
		return nil, err
	}
	return src, nil
}

// scopedCluster is a cluster together with the partition it was formed in.
type scopedCluster struct {
	scope   feedback.Scope
	cluster clustering.Cluster
}

func (o *Orchestrator) run(ctx context.Context, kind feedback.Kind, scope feedback.Scope, mode runMode) (_ *Result, err error) {
	src, err := o.source(kind, scope)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "aggregation.run", trace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("scope", scope.Key()),
		attribute.String("mode", mode.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		o.metrics.RecordRun(ctx, kind, mode.String(), time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	logger := o.logger.With(
		zap.String("kind", string(kind)),
		zap.String("scope", scope.Key()),
		zap.String("mode", mode.String()))

	unfinished, err := o.checkpoints.Unfinished(ctx, kind, scope)
	if err != nil {
		return nil, err
	}
	if unfinished != nil {
		return nil, fmt.Errorf("%w: %s of %s stopped after step %d",
			operation.ErrTransitionUnfinished, unfinished.Name, unfinished.Scope.Key(), unfinished.Step)
	}

	prev, err := o.checkpoints.Load(ctx, kind, scope.Agent, operation.GenerationCurrent)
	if err != nil {
		return nil, err
	}
	prevLedger := prev.Ledger(scope)

	items, err := src.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	var observed int64
	for i := range items {
		if items[i].ID > observed {
			observed = items[i].ID
		}
	}

	scoped, err := o.cluster(src, items)
	if err != nil {
		return nil, fmt.Errorf("clustering %s items: %w", kind, err)
	}
	clusters := make([]clustering.Cluster, len(scoped))
	groups := make(map[string]feedback.Scope, len(scoped))
	for i, sc := range scoped {
		clusters[i] = sc.cluster
		groups[fingerprint.Of(sc.cluster)] = sc.scope
	}

	ledger := prevLedger
	if mode != modeIncremental {
		ledger = fingerprint.Record{}
	}
	changes := fingerprint.DetermineChanges(clusters, ledger)

	current, err := o.store.ListConsolidated(ctx, kind, scope, feedback.StatusCurrent)
	if err != nil {
		return nil, fmt.Errorf("listing current items: %w", err)
	}
	byID := make(map[int64]feedback.ConsolidatedItem, len(current))
	for _, item := range current {
		byID[item.ID] = item
	}

	res := &Result{
		Kind:    kind,
		Scope:   scope,
		Rerun:   mode == modeRerun,
		Pending: mode == modePending,
	}

	// retire holds the items this run supersedes: archived in step 1 for
	// CURRENT runs, the previous PENDING generation for pending runs.
	var retire []int64
	candidates := changes.Vanished
	switch mode {
	case modeIncremental:
		for _, id := range changes.StaleIDs {
			if _, ok := byID[id]; ok {
				retire = append(retire, id)
			}
		}
		// CURRENT items no ledger entry references were left behind by an
		// interrupted transition. They are superseded like vanished ones.
		orphans := unreferenced(current, prevLedger)
		for _, item := range orphans {
			retire = append(retire, item.ID)
		}
		if len(orphans) > 0 {
			candidates = append(append([]fingerprint.Vanished(nil), candidates...), asCandidates(orphans)...)
			sortCandidates(candidates)
		}
		res.Orphaned = len(orphans)
		res.Healed = changes.Reclassify(func(e fingerprint.Entry) bool {
			if e.ConsolidatedID == 0 {
				return true
			}
			_, ok := byID[e.ConsolidatedID]
			return ok
		})
	case modeRerun:
		retire = feedback.IDs(current)
		candidates = asCandidates(current)
	case modePending:
		pending, err := o.store.ListConsolidated(ctx, kind, scope, feedback.StatusPending)
		if err != nil {
			return nil, fmt.Errorf("listing pending items: %w", err)
		}
		retire = feedback.IDs(pending)
		candidates = asCandidates(current)
	}
	predecessors := &fingerprint.Changes{Vanished: candidates}

	res.Clusters = len(clusters)
	res.Unchanged = len(changes.Unchanged)
	res.Changed = len(changes.Changed)
	o.metrics.RecordOutcome(ctx, kind, "unchanged", res.Unchanged)

	// Step 1: archive.
	if mode != modePending && len(retire) > 0 {
		if _, err := o.store.UpdateStatusByIDs(ctx, kind, retire, feedback.StatusCurrent, feedback.StatusArchived); err != nil {
			o.restore(ctx, logger, kind, retire, mode)
			return nil, aborted("archiving superseded items", err)
		}
	}

	retired := make(map[int64]bool, len(retire))
	for _, id := range retire {
		retired[id] = true
	}
	var accepted []feedback.ConsolidatedItem
	if mode == modeIncremental {
		for _, item := range current {
			if !retired[item.ID] {
				accepted = append(accepted, item)
			}
		}
	}

	status := feedback.StatusCurrent
	generation := operation.GenerationCurrent
	if mode == modePending {
		status = feedback.StatusPending
		generation = operation.GenerationPending
	}

	// Step 2: synthesize changed clusters one at a time.
	added := fingerprint.Record{}
	var produced []feedback.ConsolidatedItem
	for _, ch := range changes.Changed {
		if err := ctx.Err(); err != nil {
			o.restore(ctx, logger, kind, retire, mode)
			return nil, fmt.Errorf("aggregation interrupted: %w", err)
		}

		outcome := o.synthesize(ctx, logger, kind, groups[ch.Fingerprint], ch, accepted, predecessors, byID, status)
		res.Outcomes = append(res.Outcomes, outcome)
		o.metrics.RecordOutcome(ctx, kind, outcome.Kind.String(), 1)

		switch outcome.Kind {
		case OutcomeProduced:
			res.Synthesized++
			produced = append(produced, *outcome.Item)
			accepted = append(accepted, *outcome.Item)
		case OutcomeNoItem:
			res.NoItem++
			added[ch.Fingerprint] = fingerprint.Entry{MemberIDs: outcome.MemberIDs}
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeFatal:
			o.restore(ctx, logger, kind, retire, mode)
			return nil, aborted("synthesizing cluster "+ch.Fingerprint, outcome.Err)
		}
	}

	// Step 3: persist items, then the ledger.
	var saved []feedback.ConsolidatedItem
	if len(produced) > 0 {
		saved, err = o.store.SaveConsolidated(ctx, produced)
		if err != nil {
			o.restore(ctx, logger, kind, retire, mode)
			return nil, aborted("saving consolidated items", err)
		}
	}
	for _, item := range saved {
		added[item.Fingerprint] = fingerprint.Entry{ConsolidatedID: item.ID, MemberIDs: item.SourceIDs}
		res.Created = append(res.Created, item.ID)
	}
	sort.Slice(res.Created, func(i, j int) bool { return res.Created[i] < res.Created[j] })

	bookmark := prev.LastProcessedID(scope)
	if observed > bookmark {
		bookmark = observed
	}
	partitions := partitionLedger(changes.Next(added), groups)
	if err := o.checkpoints.Record(ctx, kind, scope, generation, partitions, bookmark); err != nil {
		o.rollback(ctx, logger, kind, res.Created, retire, mode)
		return nil, aborted("recording checkpoint", err)
	}
	res.LastProcessedID = bookmark

	// Step 4: drop superseded copies.
	if len(retire) > 0 {
		n, err := o.store.DeleteByIDs(ctx, kind, retire)
		res.Archived = n
		if err != nil {
			logger.Error("failed to delete superseded items", zap.Int64s("ids", retire), zap.Error(err))
			return res, fmt.Errorf("deleting superseded items: %w", err)
		}
	}

	logger.Info("aggregation completed",
		zap.Int("clusters", res.Clusters),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("changed", res.Changed),
		zap.Int("healed", res.Healed),
		zap.Int("orphaned", res.Orphaned),
		zap.Int("synthesized", res.Synthesized),
		zap.Int("no_item", res.NoItem),
		zap.Int("skipped", res.Skipped),
		zap.Int("archived", res.Archived),
		zap.Int64("last_processed_id", res.LastProcessedID),
		zap.Duration("duration", time.Since(start)))

	return res, nil
}

// cluster clusters each partition of items separately and returns the
// clusters ordered by smallest member id.
func (o *Orchestrator) cluster(src Source, items []feedback.RawItem) ([]scopedCluster, error) {
	partitions := make(map[string][]feedback.RawItem)
	scopes := make(map[string]feedback.Scope)
	for _, item := range items {
		group := src.Group(item)
		key := group.Key()
		partitions[key] = append(partitions[key], item)
		scopes[key] = group
	}

	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []scopedCluster
	for _, key := range keys {
		clusters, err := o.clusterer.Cluster(partitions[key])
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", key, err)
		}
		for _, c := range clusters {
			out = append(out, scopedCluster{scope: scopes[key], cluster: c})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].cluster.Members[0].ID < out[j].cluster.Members[0].ID
	})
	return out, nil
}

func (o *Orchestrator) synthesize(
	ctx context.Context,
	logger *zap.Logger,
	kind feedback.Kind,
	group feedback.Scope,
	ch fingerprint.Changed,
	accepted []feedback.ConsolidatedItem,
	predecessors *fingerprint.Changes,
	byID map[int64]feedback.ConsolidatedItem,
	status feedback.Status,
) ClusterOutcome {
	ids := ch.Cluster.MemberIDs()
	outcome := ClusterOutcome{Fingerprint: ch.Fingerprint, MemberIDs: ids}

	var pred *feedback.ConsolidatedItem
	if v, ok := predecessors.Predecessor(ids); ok {
		if item, ok := byID[v.Entry.ConsolidatedID]; ok {
			pred = &item
		}
	}

	req := synthesis.Request{
		Kind:        kind,
		Scope:       group,
		Fingerprint: ch.Fingerprint,
		Members:     ch.Cluster.Members,
		Document:    FormatCluster(ch.Cluster.Members),
		Accepted:    accepted,
		Predecessor: pred,
	}

	o.metrics.RecordSynthesisCall(ctx, kind)
	out, err := o.call(ctx, req)
	switch {
	case err != nil && synthesis.IsFatal(err):
		outcome.Kind = OutcomeFatal
		outcome.Err = err
		return outcome
	case err != nil:
		logger.Warn("skipping cluster after synthesis failure",
			zap.String("fingerprint", ch.Fingerprint),
			zap.Int("members", len(ids)),
			zap.Error(err))
		outcome.Kind = OutcomeSkipped
		outcome.Err = err
		return outcome
	case out.NoItem:
		logger.Debug("synthesis produced no item",
			zap.String("fingerprint", ch.Fingerprint),
			zap.String("reason", out.Reason))
		outcome.Kind = OutcomeNoItem
		outcome.Reason = out.Reason
		return outcome
	}

	if err := out.Payload.Validate(); err != nil {
		logger.Warn("skipping cluster with invalid payload",
			zap.String("fingerprint", ch.Fingerprint),
			zap.Error(err))
		outcome.Kind = OutcomeSkipped
		outcome.Err = err
		return outcome
	}

	item := &feedback.ConsolidatedItem{
		Kind:        kind,
		Scope:       group,
		Status:      status,
		Payload:     out.Payload,
		SourceIDs:   ids,
		Embedding:   ch.Cluster.Centroid,
		Fingerprint: ch.Fingerprint,
		Version:     1,
	}
	if pred != nil {
		item.Version = pred.Version + 1
		item.PreviousID = pred.ID
	}
	outcome.Kind = OutcomeProduced
	outcome.Item = item
	return outcome
}

// call invokes the synthesizer, converting a panic into a skippable error.
func (o *Orchestrator) call(ctx context.Context, req synthesis.Request) (out synthesis.Synthesis, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("synthesizer panic: %v", r)
		}
	}()
	return o.synth.Synthesize(ctx, req)
}

// restore moves archived items back to CURRENT. Pending runs archive
// nothing and have nothing to restore.
func (o *Orchestrator) restore(ctx context.Context, logger *zap.Logger, kind feedback.Kind, archived []int64, mode runMode) {
	if mode == modePending || len(archived) == 0 {
		return
	}
	// The run's context may be the reason for the failure.
	ctx = context.WithoutCancel(ctx)
	n, err := o.store.UpdateStatusByIDs(ctx, kind, archived, feedback.StatusArchived, feedback.StatusCurrent)
	if err != nil {
		logger.Error("failed to restore archived items", zap.Int64s("ids", archived), zap.Error(err))
		return
	}
	logger.Warn("restored archived items after failed run", zap.Int("restored", n))
}

// rollback deletes the items saved by a failed run, then restores.
func (o *Orchestrator) rollback(ctx context.Context, logger *zap.Logger, kind feedback.Kind, saved, archived []int64, mode runMode) {
	if len(saved) > 0 {
		if _, err := o.store.DeleteByIDs(context.WithoutCancel(ctx), kind, saved); err != nil {
			logger.Error("failed to delete items saved by failed run", zap.Int64s("ids", saved), zap.Error(err))
		}
	}
	o.restore(ctx, logger, kind, archived, mode)
}

// unreferenced returns the items no ledger entry points at.
func unreferenced(items []feedback.ConsolidatedItem, ledger fingerprint.Record) []feedback.ConsolidatedItem {
	referenced := make(map[int64]bool, len(ledger))
	for _, entry := range ledger {
		referenced[entry.ConsolidatedID] = true
	}
	var out []feedback.ConsolidatedItem
	for _, item := range items {
		if !referenced[item.ID] {
			out = append(out, item)
		}
	}
	return out
}

// asCandidates presents items as predecessor candidates, ordered by id.
func asCandidates(items []feedback.ConsolidatedItem) []fingerprint.Vanished {
	out := make([]fingerprint.Vanished, 0, len(items))
	for _, item := range items {
		out = append(out, fingerprint.Vanished{
			Fingerprint: item.Fingerprint,
			Entry:       fingerprint.Entry{ConsolidatedID: item.ID, MemberIDs: item.SourceIDs},
		})
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders candidates by consolidated id so that predecessor
// ties go to the lowest one.
func sortCandidates(c []fingerprint.Vanished) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].Entry.ConsolidatedID < c[j].Entry.ConsolidatedID })
}

// partitionLedger splits a run's ledger back into the partitions its
// clusters were formed in.
func partitionLedger(ledger fingerprint.Record, groups map[string]feedback.Scope) []operation.Partition {
	byKey := make(map[string]*operation.Partition)
	var keys []string
	for fp, entry := range ledger {
		group, ok := groups[fp]
		if !ok {
			continue
		}
		p, ok := byKey[group.Key()]
		if !ok {
			p = &operation.Partition{Scope: group, Ledger: fingerprint.Record{}}
			byKey[group.Key()] = p
			keys = append(keys, group.Key())
		}
		p.Ledger[fp] = entry
	}
	sort.Strings(keys)
	out := make([]operation.Partition, len(keys))
	for i, k := range keys {
		out[i] = *byKey[k]
	}
	return out
}
