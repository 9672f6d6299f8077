package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
	"github.com/ILLUVRSE/promptledger/internal/models"
)

// Provider generates a completion for an already rendered prompt.
// Implementations must not retry; failures are *apperrors.ProviderError or
// *apperrors.ProviderTimeoutError.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

type GenerateRequest struct {
	Prompt    string
	ModelName string
	Params    models.Params
}

type GenerateResult struct {
	ResponseText      string
	PromptTokens      *int
	ResponseTokens    *int
	LatencyMS         int
	ProviderRequestID *string
}

// Constructor builds a provider on first use.
type Constructor func() (Provider, error)

// Factory resolves provider identifiers to live adapters.
type Factory struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	instances    map[string]Provider
}

func NewFactory() *Factory {
	return &Factory{
		constructors: map[string]Constructor{},
		instances:    map[string]Provider{},
	}
}

// Register adds or replaces the constructor for name. A cached instance for name is dropped.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
	delete(f.instances, name)
}

// RegisterInstance registers an already built provider.
func (f *Factory) RegisterInstance(name string, p Provider) {
	f.Register(name, func() (Provider, error) { return p, nil })
}

func (f *Factory) Get(name string) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.instances[name]; ok {
		return p, nil
	}
	ctor, ok := f.constructors[name]
	if !ok {
		return nil, &apperrors.UnsupportedProviderError{Provider: name}
	}
	p, err := ctor()
	if err != nil {
		return nil, apperrors.Wrapf(err, "init provider %s", name)
	}
	f.instances[name] = p
	return p, nil
}

// Names lists registered provider identifiers.
func (f *Factory) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
