package importer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/engine"
)

// fakeWorkflowVersionRepository is an in-memory stand-in for
// repository.WorkflowVersionRepository, sufficient to drive the registry
// without a database.
type fakeWorkflowVersionRepository struct {
	mu   sync.Mutex
	rows []*model.WorkflowVersion
}

func (f *fakeWorkflowVersionRepository) Insert(ctx context.Context, v *model.WorkflowVersion) (*model.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.WorkflowID == v.WorkflowID && existing.VersionHash == v.VersionHash {
			return existing, nil
		}
	}
	row := *v
	f.rows = append(f.rows, &row)
	return &row, nil
}

func (f *fakeWorkflowVersionRepository) Get(ctx context.Context, workflowID, versionHash string) (*model.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.rows {
		if v.WorkflowID == workflowID && v.VersionHash == versionHash {
			return v, nil
		}
	}
	return nil, nil
}

func (f *fakeWorkflowVersionRepository) LatestForWorkflow(ctx context.Context, workflowID string) (*model.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.WorkflowVersion
	for _, v := range f.rows {
		if v.WorkflowID == workflowID {
			latest = v
		}
	}
	return latest, nil
}

func (f *fakeWorkflowVersionRepository) ListForWorkflow(ctx context.Context, workflowID string) ([]*model.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WorkflowVersion
	for _, v := range f.rows {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeWorkflowVersionRepository) All(ctx context.Context) ([]*model.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.WorkflowVersion, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func newSeederForTest() (*Seeder, *fakeWorkflowVersionRepository) {
	repo := &fakeWorkflowVersionRepository{}
	registry := engine.NewRegistry(repo)
	return NewSeeder(registry, nil), repo
}

func TestSeeder_Apply_InlineIR(t *testing.T) {
	seeder, repo := newSeederForTest()
	seed := &SeedFile{Workflows: []SeedWorkflow{
		{
			WorkflowID: "onboarding",
			IR: map[string]NodeSeed{
				"start": {Type: "COMPUTE"},
				"end":   {Type: "COMPUTE", Dependencies: []string{"start"}},
			},
		},
	}}

	n, err := seeder.Apply(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, repo.rows, 1)
	assert.Equal(t, "onboarding", repo.rows[0].WorkflowID)
	assert.NotEmpty(t, repo.rows[0].VersionHash)
}

func TestSeeder_Apply_RawIRJSON(t *testing.T) {
	seeder, repo := newSeederForTest()
	seed := &SeedFile{Workflows: []SeedWorkflow{
		{
			WorkflowID:  "raw",
			VersionHash: "v1",
			IRJSON:      `{"nodes":{"a":{"type":"COMPUTE","dependencies":[]}}}`,
		},
	}}

	n, err := seeder.Apply(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "v1", repo.rows[0].VersionHash)
}

func TestSeeder_Apply_MissingIR(t *testing.T) {
	seeder, _ := newSeederForTest()
	seed := &SeedFile{Workflows: []SeedWorkflow{{WorkflowID: "broken"}}}

	_, err := seeder.Apply(context.Background(), seed)
	require.Error(t, err)
}

func TestSeeder_Apply_DerivesStableHashFromIR(t *testing.T) {
	seeder, repo := newSeederForTest()
	seed := &SeedFile{Workflows: []SeedWorkflow{
		{WorkflowID: "stable", IR: map[string]NodeSeed{"a": {Type: "COMPUTE"}}},
	}}

	_, err := seeder.Apply(context.Background(), seed)
	require.NoError(t, err)
	first := repo.rows[0].VersionHash

	repo.rows = nil
	_, err = seeder.Apply(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, first, repo.rows[0].VersionHash)
}

func TestSeeder_LoadFile_MissingPathIsNoop(t *testing.T) {
	seeder, _ := newSeederForTest()
	n, err := seeder.LoadFile(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSeeder_LoadFile_NonexistentFileIsNoop(t *testing.T) {
	seeder, _ := newSeederForTest()
	n, err := seeder.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSeeder_LoadFile_ParsesAndRegisters(t *testing.T) {
	seeder, repo := newSeederForTest()

	content := []byte(`
workflows:
  - workflow_id: demo
    ir:
      start:
        type: COMPUTE
      end:
        type: COMPUTE
        dependencies: [start]
`)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	n, err := seeder.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, repo.rows, 1)
	assert.Equal(t, "demo", repo.rows[0].WorkflowID)
}

func TestParseSeedFile_Invalid(t *testing.T) {
	_, err := ParseSeedFile([]byte("not: [valid"))
	require.Error(t, err)
}
