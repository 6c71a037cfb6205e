package sources

import (
	"fmt"
	"log/slog"

	"github.com/njoerd114/devpeek/internal/adapter"
	"github.com/njoerd114/devpeek/internal/config"
	"github.com/njoerd114/devpeek/internal/homeassistant"
)

// Build creates one adapter per configured source. File and entity sources
// are push-capable; URL sources are polled. ha may be nil when no source
// uses an entity.
func Build(cfgs []config.AdapterConfig, ha *homeassistant.Client, logger *slog.Logger) ([]adapter.Adapter, error) {
	out := make([]adapter.Adapter, 0, len(cfgs))
	for _, c := range cfgs {
		sel, err := CompileSelector(c.Select)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: %w", c.Name, err)
		}
		l := logger.With("adapter", c.Name)

		var a adapter.Adapter
		switch {
		case c.File != "":
			a = NewFile(c.Name, c.File, l)
		case c.URL != "":
			a = NewHTTP(c.Name, c.URL, l, WithTimeout(c.Timeout))
		case c.Entity != "":
			if ha == nil {
				return nil, fmt.Errorf("adapter %q: home assistant client not configured", c.Name)
			}
			a = ha.NewEntity(c.Name, c.Entity)
		default:
			return nil, fmt.Errorf("adapter %q has no source", c.Name)
		}
		if sel != nil {
			a = Select(a, sel)
		}
		out = append(out, a)
	}
	return out, nil
}
