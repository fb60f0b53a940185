package provider

import (
	"context"

	"github.com/rs/zerolog"
)

// Call is what the runner hands an adapter for a single invocation.
type Call struct {
	Source  SourceConfig
	APIKey  string
	Options Options
	Logger  zerolog.Logger
}

// Adapter fetches data for the symbols in call.Options. A returned error fails
// every symbol of the call; per-symbol failures the adapter tolerates itself
// go into Result.Errors.
type Adapter interface {
	Ingest(ctx context.Context, call Call) (*Result, error)
}

// DefaultSymbolser is implemented by adapters that know their own universe.
type DefaultSymbolser interface {
	DefaultSymbols() []string
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, call Call) (*Result, error)

func (f AdapterFunc) Ingest(ctx context.Context, call Call) (*Result, error) {
	return f(ctx, call)
}

// Factory builds the adapter for one configured source.
type Factory func(cfg SourceConfig) (Adapter, error)

// Catalog maps adapter ids to their factories. A SourceConfig is bound to the
// factory registered under its id.
type Catalog map[string]Factory
