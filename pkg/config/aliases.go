package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelAliases manages model alias resolution and validation.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	aliases.ensureMaps()
	return &aliases, nil
}

func (a *ModelAliases) ensureMaps() {
	if a.Aliases == nil {
		a.Aliases = make(map[string]string)
	}
	if a.Providers == nil {
		a.Providers = make(map[string][]string)
	}
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ValidateModel checks if a model exists in the provider's list.
func (a *ModelAliases) ValidateModel(adapter, model string) error {
	if adapter == "mock" {
		return nil
	}
	if a == nil || len(a.Providers) == 0 {
		return nil // nothing to check against
	}

	models, ok := a.Providers[adapter]
	if !ok {
		return fmt.Errorf("unknown adapter %q", adapter)
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, adapter)
}

// ListAliases returns a copy of the aliases map.
func (a *ModelAliases) ListAliases() map[string]string {
	if a == nil || a.Aliases == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(a.Aliases))
	for k, v := range a.Aliases {
		result[k] = v
	}
	return result
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// GetProviderForModel returns the provider name for a canonical model.
func (a *ModelAliases) GetProviderForModel(model string) string {
	if a == nil || a.Providers == nil {
		return ""
	}
	for _, provider := range a.ListProviders() {
		for _, m := range a.Providers[provider] {
			if m == model {
				return provider
			}
		}
	}
	return ""
}

// ValidateRoutingConfig checks that every model target in a routing config
// resolves to a known provider model.
func (a *ModelAliases) ValidateRoutingConfig(cfg *RoutingConfig) []error {
	if a == nil || cfg == nil {
		return nil
	}

	var errs []error
	check := func(label string, target RouteTarget) {
		if err := a.ValidateModel(target.Adapter, a.Resolve(target.Model)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}

	check("economy", cfg.Economy)
	check("premium", cfg.Premium)

	keys := make([]string, 0, len(cfg.Fallback.FallbackChain))
	for k := range cfg.Fallback.FallbackChain {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for i, target := range cfg.Fallback.FallbackChain[k] {
			check(fmt.Sprintf("fallback %s[%d]", k, i), target)
		}
	}
	return errs
}

// DefaultAliases returns the default model aliases configuration.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			// Anthropic
			"economy": "claude-3-5-haiku-20241022",
			"premium": "claude-sonnet-4-20250514",
			// OpenAI
			"fast":    "gpt-4o-mini",
			"quality": "gpt-4o",
			// Google
			"research": "gemini-2.0-flash",
			// DeepSeek
			"cheap": "deepseek-chat",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-3-5-haiku-20241022", "claude-sonnet-4-20250514"},
			"openai":    {"gpt-4o-mini", "gpt-4o"},
			"google":    {"gemini-2.0-flash", "gemini-2.0-pro"},
			"deepseek":  {"deepseek-chat", "deepseek-reasoner"},
		},
	}
}
