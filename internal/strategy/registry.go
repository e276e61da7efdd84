package strategy

import (
	"fmt"
	"sort"

	"perp-paper-trader/config"
)

// Factory builds one strategy instance from the global config and the
// instance's parameter overrides.
type Factory func(id string, cfg *config.Config, params map[string]float64) (Strategy, error)

var registry = map[string]Factory{}

// Register adds a strategy type. Called from init functions.
func Register(typ string, f Factory) {
	registry[typ] = f
}

// Types returns the registered type tags, sorted.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build instantiates one strategy by type tag.
func Build(typ, id string, cfg *config.Config, params map[string]float64) (Strategy, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q (have %v)", typ, Types())
	}
	return f(id, cfg, params)
}

// BuildAll instantiates every configured strategy instance.
func BuildAll(cfg *config.Config) ([]Strategy, error) {
	out := make([]Strategy, 0, len(cfg.Strategies))
	for _, inst := range cfg.Strategies {
		s, err := Build(inst.Type, inst.ID, cfg, inst.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
