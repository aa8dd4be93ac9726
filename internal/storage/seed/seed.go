// Package seed loads the small set of demo workflow definitions that
// the engine binary applies at startup for local runs. This stands in for the "schema
// migrations and seeding" collaborator the specification names as
// fixed infrastructure outside the engine's own policy.
package seed

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/sagaworks/orchestrator/internal/domain"
)

//go:embed *.json
var fixturesFS embed.FS

// Definitions parses every embedded fixture into a WorkflowDefinition.
func Definitions() ([]domain.WorkflowDefinition, error) {
	entries, err := fixturesFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read seed fixtures: %w", err)
	}

	var defs []domain.WorkflowDefinition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := fixturesFS.ReadFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("read seed fixture %s: %w", e.Name(), err)
		}
		var def domain.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("decode seed fixture %s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// definitionPutter is the narrow slice of storage.Store that seeding
// needs, kept local to avoid an import cycle with the storage package.
type definitionPutter interface {
	PutDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
}

// Apply loads every embedded fixture into store, upserting by (name,
// version) so re-running seeding on every startup is safe.
func Apply(ctx context.Context, store definitionPutter) error {
	defs, err := Definitions()
	if err != nil {
		return err
	}
	for i := range defs {
		if err := store.PutDefinition(ctx, &defs[i]); err != nil {
			return fmt.Errorf("seed definition %s@%s: %w", defs[i].Name, defs[i].Version, err)
		}
	}
	return nil
}
