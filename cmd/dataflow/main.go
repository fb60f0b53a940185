// Command dataflow calls one adapter directly and prints the raw result,
// bypassing the runner and the store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dyike/cortexfeed/config"
	"github.com/dyike/cortexfeed/internal/dataflows"
	"github.com/dyike/cortexfeed/internal/logging"
	"github.com/dyike/cortexfeed/internal/provider"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: dataflow <source> <symbol>[,<symbol>...]")
		os.Exit(2)
	}
	ctx := context.Background()
	cfg := config.DefaultConfig()
	log := logging.New(logging.Options{Level: "debug", Pretty: true})

	id := os.Args[1]
	src := provider.SourceConfig{ID: id}
	if configs, _, err := provider.LoadConfigs(log, cfg.ProviderCandidates()...); err == nil {
		for _, c := range configs {
			if c.ID == id {
				src = c
			}
		}
	}

	factory, ok := dataflows.Catalog(dataflows.Credentials{
		LongportAppKey:      cfg.LongportAppKey,
		LongportAppSecret:   cfg.LongportAppSecret,
		LongportAccessToken: cfg.LongportAccessToken,
	})[id]
	if !ok {
		panic(fmt.Sprintf("unknown adapter %q", id))
	}
	adapter, err := factory(src)
	if err != nil {
		panic(err)
	}

	entry := provider.Entry{Config: src}
	res, err := adapter.Ingest(ctx, provider.Call{
		Source:  src,
		APIKey:  entry.APIKey(""),
		Options: provider.Options{Symbols: strings.Split(os.Args[2], ",")},
		Logger:  log,
	})
	if err != nil {
		panic(err)
	}

	payload, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(payload))
}
