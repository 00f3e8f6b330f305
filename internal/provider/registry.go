package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"threadsage/internal/config"
	"threadsage/internal/domain"
)

const (
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"

	defaultValidateTimeout = 15 * time.Second
	maxParallelValidations = 4
)

// Constructor builds a provider from its config entry. An error means the
// entry is unusable and the provider is skipped.
type Constructor func(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Providers       map[string]config.ProviderConfig
	DefaultProvider string
	// DefaultModel is the global model preference; used only when it
	// belongs to the provider's model family.
	DefaultModel    string
	Pricing         Pricing
	ValidateTimeout time.Duration
	Logger          *slog.Logger
}

// ValidationResult is the outcome of validating one configured provider.
type ValidationResult struct {
	Name    string
	Model   string
	Err     error
	Latency time.Duration
}

// Handle is a validated provider together with its per-provider settings.
type Handle struct {
	Name            string
	Provider        domain.Provider
	RateLimitPerMin int
}

// Registry builds providers from config, validates them and keeps the
// subset that passed. It also owns cost calculation.
type Registry struct {
	cfg          RegistryConfig
	logger       *slog.Logger
	constructors map[string]Constructor

	mu        sync.RWMutex
	providers map[string]domain.Provider
	kinds     map[string]string
	current   string
}

// NewRegistry creates a registry with the built-in constructors registered.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = defaultValidateTimeout
	}
	if cfg.Pricing == nil {
		cfg.Pricing = DefaultPricing()
	}
	r := &Registry{
		cfg:          cfg,
		logger:       cfg.Logger,
		constructors: make(map[string]Constructor),
		providers:    make(map[string]domain.Provider),
		kinds:        make(map[string]string),
	}
	r.registerDefaults()
	return r
}

// RegisterConstructor adds (or replaces) the constructor used for the
// provider entry with the given name.
func (r *Registry) RegisterConstructor(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

func (r *Registry) registerDefaults() {
	r.constructors[NameAnthropic] = func(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		if !strings.HasPrefix(pc.APIKey, "sk-ant-") {
			return nil, errors.New("api key missing or not an sk-ant- key")
		}
		return NewClaude(ClaudeConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger}), nil
	}
	r.constructors[NameOpenAI] = func(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		if !strings.HasPrefix(pc.APIKey, "sk-") {
			return nil, errors.New("api key missing or not an sk- key")
		}
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger}), nil
	}
}

func (r *Registry) construct(name string, pc config.ProviderConfig) (domain.Provider, string, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()

	switch {
	case ok:
		p, err := ctor(name, pc, r.logger)
		return p, name, err
	case pc.APIBase != "":
		// Unknown names with an endpoint are treated as OpenAI-compatible.
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: r.logger}), kindCompatible, nil
	default:
		return nil, "", errors.New("no constructor registered and no apiBase configured")
	}
}

const kindCompatible = "compatible"

// Initialize constructs every enabled provider and validates them
// concurrently. Providers that fail are logged and left out; with none
// left the registry is degraded and Current returns nil. Initialize can be
// called again to re-validate.
func (r *Registry) Initialize(ctx context.Context) []ValidationResult {
	names := make([]string, 0, len(r.cfg.Providers))
	for name, pc := range r.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	type candidate struct {
		provider domain.Provider
		kind     string
	}
	results := make([]ValidationResult, len(names))
	cands := make([]candidate, len(names))

	var g errgroup.Group
	g.SetLimit(maxParallelValidations)
	for i, name := range names {
		results[i].Name = name
		p, kind, err := r.construct(name, r.cfg.Providers[name])
		if err != nil {
			results[i].Err = err
			continue
		}
		cands[i] = candidate{provider: p, kind: kind}
		results[i].Model = p.DefaultModel()

		i := i
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(ctx, r.cfg.ValidateTimeout)
			defer cancel()
			start := time.Now()
			results[i].Err = p.Validate(vctx)
			results[i].Latency = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	providers := make(map[string]domain.Provider)
	kinds := make(map[string]string)
	for i, res := range results {
		if res.Err != nil {
			r.logger.Warn("provider unavailable", "provider", res.Name, "err", res.Err)
			continue
		}
		providers[res.Name] = cands[i].provider
		kinds[res.Name] = cands[i].kind
		r.logger.Info("provider ready", "provider", res.Name, "model", res.Model, "latency", res.Latency)
	}

	r.mu.Lock()
	r.providers = providers
	r.kinds = kinds
	r.current = pickCurrent(r.cfg.DefaultProvider, providers)
	current := r.current
	r.mu.Unlock()

	if current == "" {
		r.logger.Warn("no providers available, queries will fail until one is configured")
	} else {
		r.logger.Info("default provider selected", "provider", current)
	}
	return results
}

func pickCurrent(preferred string, providers map[string]domain.Provider) string {
	if _, ok := providers[preferred]; ok {
		return preferred
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

// Get returns the named provider, or the current default when name is empty.
func (r *Registry) Get(name string) (domain.Provider, error) {
	_, p, err := r.resolve(name)
	return p, err
}

func (r *Registry) resolve(name string) (string, domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.current
	}
	if name == "" {
		return "", nil, fmt.Errorf("%w: no provider validated", domain.ErrProviderUnavailable)
	}
	p, ok := r.providers[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, name)
	}
	return name, p, nil
}

// Handle is Get plus the provider's configured settings.
func (r *Registry) Handle(name string) (Handle, error) {
	name, p, err := r.resolve(name)
	if err != nil {
		return Handle{}, err
	}
	return Handle{
		Name:            name,
		Provider:        p,
		RateLimitPerMin: r.cfg.Providers[name].RateLimitPerMin,
	}, nil
}

// Current returns the default provider, or nil when degraded.
func (r *Registry) Current() domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.current]
}

// CurrentName returns the default provider's name, empty when degraded.
func (r *Registry) CurrentName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetCurrent switches the default provider.
func (r *Registry) SetCurrent(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, name)
	}
	r.current = name
	r.logger.Info("default provider changed", "provider", name)
	return nil
}

// Available returns the validated provider names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models lists the models of a validated provider. Models pinned in config
// win over the provider's live listing.
func (r *Registry) Models(ctx context.Context, name string) ([]string, error) {
	name, p, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	if pinned := r.cfg.Providers[name].Models; len(pinned) > 0 {
		return append([]string(nil), pinned...), nil
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("models for %s: %w", name, err)
	}
	sort.Strings(models)
	return models, nil
}

// DefaultModelFor returns the global default model when it belongs to the
// provider's family, otherwise the provider's own default.
func (r *Registry) DefaultModelFor(name string) string {
	name, p, err := r.resolve(name)
	if err != nil {
		return ""
	}
	r.mu.RLock()
	kind := r.kinds[name]
	r.mu.RUnlock()

	if global := r.cfg.DefaultModel; global != "" && modelMatchesKind(kind, global) {
		return global
	}
	return p.DefaultModel()
}

func modelMatchesKind(kind, model string) bool {
	switch kind {
	case NameAnthropic:
		return strings.HasPrefix(model, "claude")
	case NameOpenAI:
		for _, prefix := range []string{"gpt", "o1", "o3", "o4", "chatgpt"} {
			if strings.HasPrefix(model, prefix) {
				return true
			}
		}
		return false
	case kindCompatible:
		return true
	}
	return false
}

// CalculateCost prices usage in USD. Unknown models fall back to the
// provider's default model, then the cheapest known model, then zero.
func (r *Registry) CalculateCost(usage domain.Usage, model, provider string) float64 {
	if provider == "" {
		provider = r.CurrentName()
	}
	defaultModel := r.cfg.Providers[provider].DefaultModel
	if _, p, err := r.resolve(provider); err == nil {
		defaultModel = p.DefaultModel()
	}
	price, ok := r.cfg.Pricing.lookup(provider, model, defaultModel)
	if !ok {
		return 0
	}
	return price.cost(usage)
}
