// Package preagg orchestrates pre-aggregation builds: it decides whether a
// rollup table is fresh, derives deterministic physical table names, and
// drives missing builds through the query queue so concurrent callers share
// one build cluster-wide.
package preagg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/strata/internal/queuedriver"
	"github.com/rzbill/strata/pkg/log"
)

// BuildHandlerName is the queue handler that executes builds.
const BuildHandlerName = "preagg.build"

// LoadPlan is how a build moves data from the source into the rollup.
type LoadPlan string

const (
	PlanTempTable       LoadPlan = "temp-table"
	PlanStreamingImport LoadPlan = "streaming-import"
	PlanFileImport      LoadPlan = "file-import"
)

// Capabilities describes what a source driver can do; the orchestrator
// picks the cheapest supported load plan.
type Capabilities struct {
	TempTables      bool
	StreamingImport bool
}

// SourceDriver executes builds against the source database.
type SourceDriver interface {
	Capabilities() Capabilities
	LoadTable(ctx context.Context, physical string, plan LoadPlan, sql string) error
}

// SourceDriverFactory opens a source driver. With externalRefresh set the
// factory must never be called; reaching it is a bug, not a fallback.
type SourceDriverFactory func(ctx context.Context) (SourceDriver, error)

// PreAggregation describes one rollup to ensure.
type PreAggregation struct {
	Table            string
	ContentVersion   string
	StructureVersion string
	// NamingVersion selects the physical suffix scheme. Default NamingV2.
	NamingVersion    int
	SQL              string
	UniqueKeyColumns []string
	Priority         int64
}

// BuildOptions are per-request policy flags.
type BuildOptions struct {
	// ExternalRefresh means an external system builds the rollup; the
	// orchestrator only checks existence and never contacts the source.
	ExternalRefresh bool
	// WaitForRenew blocks until a fresh table exists.
	WaitForRenew bool
	RequestID    string
}

// buildJob is the queue payload for one build.
type buildJob struct {
	Table            string   `json:"table"`
	ContentVersion   string   `json:"contentVersion"`
	StructureVersion string   `json:"structureVersion"`
	NamingVersion    int      `json:"namingVersion"`
	SQL              string   `json:"sql"`
	UniqueKeyColumns []string `json:"uniqueKeyColumns,omitempty"`
}

type buildResult struct {
	TableName string `json:"tableName"`
}

type Orchestrator struct {
	meta    MetaStore
	queue   *queuedriver.QueryQueue
	factory SourceDriverFactory
	logger  log.Logger
}

func NewOrchestrator(meta MetaStore, queue *queuedriver.QueryQueue, factory SourceDriverFactory, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Orchestrator{
		meta:    meta,
		queue:   queue,
		factory: factory,
		logger:  logger.WithComponent("preagg"),
	}
}

// AttachQueue binds the queue the orchestrator drives builds through. The
// queue itself is constructed with Handlers(), so binding happens after.
func (o *Orchestrator) AttachQueue(queue *queuedriver.QueryQueue) {
	o.queue = queue
}

// Handlers returns the queue handler set this orchestrator serves.
func (o *Orchestrator) Handlers() map[string]queuedriver.Handler {
	return map[string]queuedriver.Handler{BuildHandlerName: o.handleBuild}
}

// EnsureTable returns the physical table answering the pre-aggregation,
// building it through the queue when no current version exists.
func (o *Orchestrator) EnsureTable(ctx context.Context, pa PreAggregation, opts BuildOptions) (string, error) {
	if opts.WaitForRenew && opts.ExternalRefresh {
		return "", fmt.Errorf("preagg: waitForRenew cannot be combined with externalRefresh")
	}
	if pa.NamingVersion == 0 {
		pa.NamingVersion = NamingV2
	}
	if _, err := TargetTableName(pa.Table, pa.ContentVersion, pa.StructureVersion, 0, pa.NamingVersion); err != nil {
		return "", err
	}

	current, err := o.currentTable(ctx, pa)
	if err != nil {
		return "", err
	}
	if current != "" {
		return current, nil
	}

	if opts.ExternalRefresh {
		return "", fmt.Errorf("preagg: %s@%s/%s is externally refreshed but does not exist",
			pa.Table, pa.ContentVersion, pa.StructureVersion)
	}
	return o.buildThroughQueue(ctx, pa, opts)
}

// currentTable finds the newest physical table matching the wanted content
// and structure versions, or "" when none exists.
func (o *Orchestrator) currentTable(ctx context.Context, pa PreAggregation) (string, error) {
	physical, err := o.meta.List(ctx, pa.Table)
	if err != nil {
		return "", err
	}
	var matching []string
	for _, name := range physical {
		parsed, err := ParseTableName(name)
		if err != nil {
			o.logger.Warn("skipping unparseable table", log.Str("table", name), log.Err(err))
			continue
		}
		if parsed.ContentVersion == pa.ContentVersion && parsed.StructureVersion == pa.StructureVersion {
			matching = append(matching, name)
		}
	}
	if len(matching) == 0 {
		return "", nil
	}
	return SelectNewest(matching)
}

// buildThroughQueue enqueues the build (or attaches to an in-flight one for
// the same versions) and waits for the resulting table name.
func (o *Orchestrator) buildThroughQueue(ctx context.Context, pa PreAggregation, opts BuildOptions) (string, error) {
	job := buildJob{
		Table:            pa.Table,
		ContentVersion:   pa.ContentVersion,
		StructureVersion: pa.StructureVersion,
		NamingVersion:    pa.NamingVersion,
		SQL:              pa.SQL,
		UniqueKeyColumns: pa.UniqueKeyColumns,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	key := queuedriver.QueryKey{Key: []string{"preagg", pa.Table, pa.ContentVersion, pa.StructureVersion}}
	raw, err := o.queue.ExecuteInQueue(ctx, key, &queuedriver.QueryDef{
		HandlerName: BuildHandlerName,
		Query:       payload,
		QueryKey:    payload,
		Priority:    pa.Priority,
		RequestID:   opts.RequestID,
	})
	if err != nil {
		return "", err
	}
	var res buildResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("preagg: decode build result: %w", err)
	}
	if res.TableName == "" {
		return "", fmt.Errorf("preagg: build for %s returned no table name", pa.Table)
	}
	return res.TableName, nil
}

// handleBuild runs on whichever worker wins the queue item.
func (o *Orchestrator) handleBuild(ctx context.Context, def *queuedriver.QueryDef) (json.RawMessage, error) {
	var job buildJob
	if err := json.Unmarshal(def.Query, &job); err != nil {
		return nil, fmt.Errorf("preagg: decode build job: %w", err)
	}
	if o.factory == nil {
		return nil, fmt.Errorf("preagg: no source driver factory configured")
	}
	source, err := o.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("preagg: open source driver: %w", err)
	}

	plan := choosePlan(source.Capabilities())
	if plan == PlanStreamingImport && len(job.UniqueKeyColumns) == 0 {
		return nil, fmt.Errorf("preagg: %s requires uniqueKeyColumns for streaming import", job.Table)
	}

	physical, err := TargetTableName(job.Table, job.ContentVersion, job.StructureVersion,
		time.Now().UnixMilli(), job.NamingVersion)
	if err != nil {
		return nil, err
	}
	o.logger.Info("building pre-aggregation",
		log.Str("table", physical), log.Str("plan", string(plan)))

	if err := source.LoadTable(ctx, physical, plan, job.SQL); err != nil {
		return nil, fmt.Errorf("preagg: load %s: %w", physical, err)
	}
	if err := o.meta.Register(ctx, job.Table, physical); err != nil {
		return nil, fmt.Errorf("preagg: register %s: %w", physical, err)
	}
	out, err := json.Marshal(buildResult{TableName: physical})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func choosePlan(caps Capabilities) LoadPlan {
	switch {
	case caps.TempTables:
		return PlanTempTable
	case caps.StreamingImport:
		return PlanStreamingImport
	default:
		return PlanFileImport
	}
}
