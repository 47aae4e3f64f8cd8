package app

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/captionfeed/internal/config"
	"github.com/MrWong99/captionfeed/internal/identity"
	"github.com/MrWong99/captionfeed/pkg/call"
	"github.com/MrWong99/captionfeed/pkg/call/demo"
	"github.com/MrWong99/captionfeed/pkg/call/wsbridge"
)

// DefaultRegistry returns a registry with every built-in call source and
// identity backend registered.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterCallSource("demo", newDemoSource)
	reg.RegisterCallSource("wsbridge", newWSBridgeSource)

	reg.RegisterIdentityBackend(config.IdentityFile, func(_ context.Context, cfg config.IdentityConfig) (identity.KV, error) {
		return identity.NewFileKV(cfg.Path), nil
	})
	reg.RegisterIdentityBackend(config.IdentityPostgres, func(ctx context.Context, cfg config.IdentityConfig) (identity.KV, error) {
		kv, err := identity.NewPostgresKV(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return kv, nil
	})
	reg.RegisterIdentityBackend(config.IdentityMemory, func(context.Context, config.IdentityConfig) (identity.KV, error) {
		return identity.NewMemKV(), nil
	})

	return reg
}

// newDemoSource reads the optional lines, initial_delay, interval and seed
// options.
func newDemoSource(cfg config.CallConfig) (call.Source, error) {
	var dc demo.Config
	for key, raw := range cfg.Options {
		switch key {
		case "lines":
			items, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("demo: option lines: want a list, got %T", raw)
			}
			for _, it := range items {
				s, ok := it.(string)
				if !ok {
					return nil, fmt.Errorf("demo: option lines: want strings, got %T", it)
				}
				dc.Lines = append(dc.Lines, s)
			}
		case "initial_delay":
			d, err := durationOption(key, raw)
			if err != nil {
				return nil, err
			}
			dc.InitialDelay = d
		case "interval":
			d, err := durationOption(key, raw)
			if err != nil {
				return nil, err
			}
			dc.Interval = d
		case "seed":
			n, err := intOption(key, raw)
			if err != nil {
				return nil, err
			}
			dc.Seed = uint64(n)
		default:
			return nil, fmt.Errorf("demo: unknown option %q", key)
		}
	}
	return demo.New(dc), nil
}

// newWSBridgeSource reads the optional buffer and read_limit options.
func newWSBridgeSource(cfg config.CallConfig) (call.Source, error) {
	var opts []wsbridge.Option
	if cfg.APIKey != "" {
		opts = append(opts, wsbridge.WithAPIKey(cfg.APIKey))
	}
	for key, raw := range cfg.Options {
		if key != "buffer" && key != "read_limit" {
			return nil, fmt.Errorf("wsbridge: unknown option %q", key)
		}
		n, err := intOption(key, raw)
		if err != nil {
			return nil, err
		}
		if key == "buffer" {
			opts = append(opts, wsbridge.WithBuffer(n))
		} else {
			opts = append(opts, wsbridge.WithReadLimit(int64(n)))
		}
	}
	src, err := wsbridge.New(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func durationOption(key string, raw any) (time.Duration, error) {
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("option %s: want a duration string, got %T", key, raw)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

func intOption(key string, raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("option %s: must not be negative", key)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("option %s: want an integer, got %T", key, raw)
	}
}
