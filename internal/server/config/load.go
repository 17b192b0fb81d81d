package config

import (
	"fmt"

	"github.com/yndnr/memscope-go/internal/infra/confloader"
)

// Load layers the file at path (optional), MEMSCOPE_ environment variables
// and overrides (dotted keys, typically from flags) over Default, then
// verifies the result.
func Load(path string, overrides map[string]any) (*ServerConfig, error) {
	cfg := Default()
	l := confloader.NewLoader(confloader.WithConfigFile(path))
	if err := l.Load(cfg); err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		if err := l.LoadMap(overrides); err != nil {
			return nil, err
		}
		if err := l.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if err := Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
