// Package workflow supplies workflow definitions to the engine.
package workflow

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Provider resolves a workflow definition by id. Definitions are read-only to
// the engine.
type Provider interface {
	GetWorkflow(ctx context.Context, id string) (*repository.WorkflowDefinition, error)
}

// File is the YAML document layout:
//
//	workflows:
//	  - id: purchase
//	    stages:
//	      - {name: manager, approvers: [alice], mode: SEQUENTIAL, timeoutMinutes: 60}
type File struct {
	Workflows []*repository.WorkflowDefinition `yaml:"workflows"`
}

// StaticProvider serves definitions held in memory.
type StaticProvider struct {
	mu   sync.RWMutex
	defs map[string]*repository.WorkflowDefinition
}

// NewStaticProvider validates defs and indexes them by id.
func NewStaticProvider(defs ...*repository.WorkflowDefinition) (*StaticProvider, error) {
	p := &StaticProvider{defs: make(map[string]*repository.WorkflowDefinition, len(defs))}
	for _, def := range defs {
		if err := p.Put(def); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Put adds or replaces a definition.
func (p *StaticProvider) Put(def *repository.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return errors.InvalidInput("workflow", err.Error())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs[def.ID] = def
	return nil
}

// GetWorkflow implements Provider.
func (p *StaticProvider) GetWorkflow(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.defs[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return def, nil
}

// IDs lists the known workflow ids in sorted order.
func (p *StaticProvider) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.defs))
	for id := range p.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Parse decodes and validates a YAML document of workflow definitions.
func Parse(data []byte) ([]*repository.WorkflowDefinition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse workflows: %w", err)
	}
	seen := make(map[string]bool, len(f.Workflows))
	for i, def := range f.Workflows {
		if def == nil {
			return nil, fmt.Errorf("workflow %d is empty", i)
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate workflow id %q", def.ID)
		}
		seen[def.ID] = true
	}
	return f.Workflows, nil
}

// LoadFile reads a YAML workflows file into a StaticProvider.
func LoadFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows file: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewStaticProvider(defs...)
}

// DefinitionStore is the persistence a PostgresProvider reads from.
type DefinitionStore interface {
	GetByID(ctx context.Context, id string) (*repository.WorkflowDefinition, error)
}

// PostgresProvider reads definitions from the approval_workflow_definitions table.
type PostgresProvider struct {
	repo DefinitionStore
}

// NewPostgresProvider creates a PostgresProvider.
func NewPostgresProvider(repo DefinitionStore) *PostgresProvider {
	return &PostgresProvider{repo: repo}
}

// GetWorkflow implements Provider.
func (p *PostgresProvider) GetWorkflow(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return p.repo.GetByID(ctx, id)
}
