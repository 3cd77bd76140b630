// Package importer loads the workflow definitions a deployment wants
// pre-registered at startup from a single YAML seed file, so an operator
// doesn't have to call the registration RPC by hand for workflows that
// ship with the deployment itself.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/engine"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// SeedFile is the top-level shape of a workflow seed file: a flat list of
// workflow entries to register, in order, on startup.
type SeedFile struct {
	Workflows []SeedWorkflow `yaml:"workflows"`
}

// SeedWorkflow describes one workflow version to register. At least one of
// IR or IRJSON must be set, and IRJSON wins when both are: IR is the
// convenient inline form for authoring
// by hand, IRJSON is an escape hatch for pasting a raw IR document (e.g.
// one exported by the control plane itself). VersionHash is optional; when
// empty it is derived from the IR content, so unchanged entries re-register
// as no-ops across restarts.
type SeedWorkflow struct {
	WorkflowID  string              `yaml:"workflow_id"`
	VersionHash string              `yaml:"version_hash,omitempty"`
	IR          map[string]NodeSeed `yaml:"ir,omitempty"`
	IRJSON      string              `yaml:"ir_json,omitempty"`
}

// NodeSeed is the YAML-friendly shape of a single IR node definition.
type NodeSeed struct {
	Type         string      `yaml:"type"`
	Dependencies []string    `yaml:"dependencies,omitempty"`
	Routes       []RouteSeed `yaml:"routes,omitempty"`
	DelaySeconds int         `yaml:"delay_seconds,omitempty"`
	ReduceExpr   string      `yaml:"reduce_expr,omitempty"`
}

// RouteSeed is the YAML-friendly shape of model.Route.
type RouteSeed struct {
	Condition string `yaml:"condition,omitempty"`
	Target    string `yaml:"target"`
}

// ParseSeedFile parses a workflow seed document.
func ParseSeedFile(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow seed file: %w", err)
	}
	return &f, nil
}

// IRJSONFor returns the JSON-encoded IR document for this entry, building
// it from the inline form if IRJSON was not supplied directly.
func (w SeedWorkflow) IRJSONFor() (string, error) {
	if w.IRJSON != "" {
		return w.IRJSON, nil
	}
	if len(w.IR) == 0 {
		return "", fmt.Errorf("workflow %q: neither ir nor ir_json set", w.WorkflowID)
	}

	ir := model.IR{Nodes: make(map[string]model.NodeDef, len(w.IR))}
	for id, n := range w.IR {
		def := model.NodeDef{
			Type:         model.NodeType(n.Type),
			Dependencies: n.Dependencies,
			DelaySeconds: n.DelaySeconds,
			ReduceExpr:   n.ReduceExpr,
		}
		for _, r := range n.Routes {
			def.Routes = append(def.Routes, model.Route{Condition: r.Condition, Target: r.Target})
		}
		ir.Nodes[id] = def
	}

	raw, err := json.Marshal(ir)
	if err != nil {
		return "", fmt.Errorf("workflow %q: encode ir: %w", w.WorkflowID, err)
	}
	return string(raw), nil
}

// VersionHashFor returns the entry's version hash, deriving a stable one
// from the IR content when the seed file doesn't pin one explicitly.
func (w SeedWorkflow) VersionHashFor(irJSON string) string {
	if w.VersionHash != "" {
		return w.VersionHash
	}
	sum := sha256.Sum256([]byte(irJSON))
	return hex.EncodeToString(sum[:])[:16]
}

// Seeder registers the workflows declared in a seed file with the engine
// registry at startup.
type Seeder struct {
	registry *engine.Registry
	log      *logger.Logger
}

func NewSeeder(registry *engine.Registry, log *logger.Logger) *Seeder {
	return &Seeder{registry: registry, log: log}
}

// LoadFile reads and applies a seed file from disk. A missing path is a
// no-op, not an error, so deployments without a seed file need no special
// casing.
func (s *Seeder) LoadFile(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if s.log != nil {
				s.log.Info("workflow seed file not found, skipping", "path", path)
			}
			return 0, nil
		}
		return 0, fmt.Errorf("read workflow seed file %q: %w", path, err)
	}

	seed, err := ParseSeedFile(data)
	if err != nil {
		return 0, err
	}
	return s.Apply(ctx, seed)
}

// Apply registers every workflow entry in the seed file in order, stopping
// at the first failure. Entries registered before the failing one stay
// registered; the returned count says how many succeeded.
func (s *Seeder) Apply(ctx context.Context, seed *SeedFile) (int, error) {
	count := 0
	for _, w := range seed.Workflows {
		irJSON, err := w.IRJSONFor()
		if err != nil {
			return count, err
		}
		versionHash := w.VersionHashFor(irJSON)

		version, err := s.registry.Register(ctx, w.WorkflowID, versionHash, irJSON)
		if err != nil {
			return count, fmt.Errorf("register seeded workflow %q version %q: %w", w.WorkflowID, versionHash, err)
		}
		if s.log != nil {
			s.log.Info("workflow seeded", "workflow_id", w.WorkflowID, "version_hash", versionHash, "compatibility", version.Compatibility)
		}
		count++
	}
	return count, nil
}
