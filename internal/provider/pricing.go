package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"threadsage/internal/domain"
)

// Price is the cost in USD per million tokens.
type Price struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Pricing maps provider -> model -> price.
type Pricing map[string]map[string]Price

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		NameAnthropic: {
			"claude-3-5-sonnet-20241022": {Input: 3, Output: 15},
			"claude-3-5-haiku-20241022":  {Input: 0.8, Output: 4},
			"claude-3-opus-20240229":     {Input: 15, Output: 75},
			"claude-sonnet-4-20250514":   {Input: 3, Output: 15},
			"claude-opus-4-20250514":     {Input: 15, Output: 75},
		},
		NameOpenAI: {
			"gpt-4o":      {Input: 2.5, Output: 10},
			"gpt-4o-mini": {Input: 0.15, Output: 0.6},
			"gpt-4.1":     {Input: 2, Output: 8},
			"o3-mini":     {Input: 1.1, Output: 4.4},
		},
	}
}

// LoadPricing reads a YAML price file and merges it over the defaults.
// Entries in the file replace or extend the built-in ones.
func LoadPricing(path string) (Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing: %w", err)
	}
	var overrides Pricing
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse pricing %s: %w", path, err)
	}
	for prov, models := range overrides {
		if p[prov] == nil {
			p[prov] = make(map[string]Price, len(models))
		}
		for model, price := range models {
			if price.Input < 0 || price.Output < 0 {
				return nil, fmt.Errorf("pricing %s/%s: negative price", prov, model)
			}
			p[prov][model] = price
		}
	}
	return p, nil
}

// lookup resolves a price: the exact model, then the provider's default
// model, then the provider's cheapest entry.
func (p Pricing) lookup(provider, model, defaultModel string) (Price, bool) {
	models := p[provider]
	if len(models) == 0 {
		return Price{}, false
	}
	if price, ok := models[model]; ok {
		return price, true
	}
	if price, ok := models[defaultModel]; ok {
		return price, true
	}
	var (
		cheapest Price
		found    bool
	)
	for _, price := range models {
		if !found || price.Input+price.Output < cheapest.Input+cheapest.Output {
			cheapest, found = price, true
		}
	}
	return cheapest, found
}

func (p Price) cost(u domain.Usage) float64 {
	return float64(u.PromptTokens)/1e6*p.Input + float64(u.CompletionTokens)/1e6*p.Output
}
