package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/repository"
)

// Registry is the in-memory IR cache (C2, §4.2): a rehydrated mapping of
// "workflow_id:version_hash" to parsed IR, kept alongside the durable
// catalogue so the scheduler never round-trips to the store to resolve
// a node definition.
type Registry struct {
	mu    sync.RWMutex
	cache map[string]*model.IR
	store repository.WorkflowVersionRepository
}

func NewRegistry(store repository.WorkflowVersionRepository) *Registry {
	return &Registry{
		cache: make(map[string]*model.IR),
		store: store,
	}
}

func registryKey(workflowID, versionHash string) string {
	return workflowID + ":" + versionHash
}

// Rehydrate loads every row of the version catalogue into the in-memory
// cache, run once at startup.
func (r *Registry) Rehydrate(ctx context.Context) (int, error) {
	versions, err := r.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load workflow versions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range versions {
		ir, err := model.ParseIR(v.IRJSON)
		if err != nil {
			// A version that fails to parse at rehydration time is
			// skipped rather than aborting startup; it was accepted at
			// registration time under whatever validation then applied.
			continue
		}
		r.cache[registryKey(v.WorkflowID, v.VersionHash)] = ir
	}
	return len(r.cache), nil
}

// Get returns the parsed IR for a registered version, or nil if absent
// from the cache.
func (r *Registry) Get(workflowID, versionHash string) *model.IR {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[registryKey(workflowID, versionHash)]
}

// Register computes compatibility against the most recent prior version
// of workflowID, persists the new version (idempotently), and caches its
// parsed IR. Registering the identical IR again is a no-op that still
// reports IDENTICAL (§9).
func (r *Registry) Register(ctx context.Context, workflowID, versionHash, irJSON string) (*model.WorkflowVersion, error) {
	ir, err := model.ParseIR(irJSON)
	if err != nil {
		return nil, fmt.Errorf("parse IR: %w", err)
	}

	prior, err := r.store.LatestForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load latest version: %w", err)
	}

	compat := model.CompatibilityNew
	if prior != nil {
		priorIR, err := model.ParseIR(prior.IRJSON)
		if err != nil {
			return nil, fmt.Errorf("parse prior IR: %w", err)
		}
		compat = AnalyzeCompatibility(priorIR, ir, prior.IRJSON == irJSON)
	}

	v := &model.WorkflowVersion{
		WorkflowID:    workflowID,
		VersionHash:   versionHash,
		IRJSON:        irJSON,
		Compatibility: compat,
	}
	persisted, err := r.store.Insert(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("insert workflow version: %w", err)
	}

	r.mu.Lock()
	r.cache[registryKey(workflowID, versionHash)] = ir
	r.mu.Unlock()

	if persisted.Compatibility != compat {
		out := *persisted
		out.Compatibility = compat
		persisted = &out
	}
	return persisted, nil
}

// AnalyzeCompatibility classifies a new IR against the prior IR of the
// same workflow, per the four shapes in §4.2:
//   - identical serialized IR            -> IDENTICAL
//   - any old node missing, or its type
//     or dependencies changed            -> BREAKING
//   - otherwise (strict superset)        -> SAFE
func AnalyzeCompatibility(prior, next *model.IR, sameSerializedText bool) model.Compatibility {
	if sameSerializedText {
		return model.CompatibilityIdentical
	}

	for id, oldDef := range prior.Nodes {
		newDef, ok := next.Nodes[id]
		if !ok {
			return model.CompatibilityBreaking
		}
		if newDef.Type != oldDef.Type {
			return model.CompatibilityBreaking
		}
		if !sameDependencies(oldDef.Dependencies, newDef.Dependencies) {
			return model.CompatibilityBreaking
		}
	}
	return model.CompatibilitySafe
}

func sameDependencies(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
