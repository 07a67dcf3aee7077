// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matrixorigin/shardquery/pkg/config"
	"github.com/matrixorigin/shardquery/pkg/logutil"
	"github.com/matrixorigin/shardquery/pkg/metric"
	"github.com/matrixorigin/shardquery/pkg/multishard"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/perfcounter"
	"github.com/matrixorigin/shardquery/pkg/storage"
)

var (
	configFile = flag.String("cfg", "", "toml configuration used to start shard-query")
	seedParts  = flag.Int("seed-partitions", 64, "demo partitions applied to the store on start, 0 skips seeding")
	seedRows   = flag.Int("seed-rows", 8, "rows per demo partition")
	pageRows   = flag.Uint64("page-rows", 0, "row limit per page, 0 takes the configured default")
	version    = flag.Bool("version", false, "print version information")
)

// set by -ldflags at build time
var versionString = "unknown"

func main() {
	flag.Parse()
	maybePrintVersion()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config from %s, error: %s", *configFile, err))
	}
	logutil.SetupLogger(&cfg.Log)
	defer logutil.Sync()

	store, err := storage.Open(cfg)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	counters := &perfcounter.CounterSet{}
	engine, err := multishard.NewEngine(cfg, store, counters)
	if err != nil {
		panic(err)
	}
	defer engine.Close()

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		metrics = startMetrics(cfg.MetricsAddr, counters)
		defer metrics.Close()
	}

	schema := mutation.Schema{ID: 1, Name: "demo"}
	if *seedParts > 0 {
		if err := seedStore(store, schema, *seedParts, *seedRows); err != nil {
			panic(err)
		}
		logutil.Info("store seeded",
			zap.Int("partitions", *seedParts),
			zap.Int("rows-per-partition", *seedRows))
	}

	if err := runDemoQuery(engine, cfg, schema); err != nil {
		logutil.Error("query failed", zap.Error(err))
		os.Exit(1)
	}

	if metrics != nil {
		logutil.Info("serving metrics until stopped", zap.String("addr", cfg.MetricsAddr))
		waitSignalToStop()
	}
}

func maybePrintVersion() {
	if !*version {
		return
	}
	fmt.Println("shard-query", versionString)
	os.Exit(0)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		return cfg, cfg.Validate()
	}
	return config.ParseFromFile(path)
}

func waitSignalToStop() {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
	<-sigchan
}

func startMetrics(addr string, counters *perfcounter.CounterSet) *http.Server {
	srv := &http.Server{Addr: addr, Handler: metric.Handler(counters)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logutil.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return srv
}

func seedStore(store storage.Store, schema mutation.Schema, partitions, rowsPer int) error {
	ctx := context.Background()
	for p := 0; p < partitions; p++ {
		mut := mutation.PartitionMutation{
			Key: mutation.NewPartitionKey([]byte(fmt.Sprintf("pk-%04d", p))),
		}
		for r := 0; r < rowsPer; r++ {
			mut.Rows = append(mut.Rows, mutation.Row{
				Key:   []byte(fmt.Sprintf("ck-%02d", r)),
				Value: []byte(fmt.Sprintf("v-%04d-%02d", p, r)),
			})
		}
		if err := store.Apply(ctx, schema, mut); err != nil {
			return err
		}
	}
	return nil
}

// runDemoQuery pages through the full token range with one query
// identity, the way a coordinator would across client page requests.
func runDemoQuery(engine *multishard.Engine, cfg *config.Config, schema mutation.Schema) error {
	req := &multishard.Request{
		QueryID:       uuid.New(),
		Schema:        schema,
		Ranges:        []mutation.Range{mutation.FullRange()},
		FirstPage:     true,
		MaxRows:       cfg.PageMaxRows,
		MaxPartitions: cfg.PageMaxPartitions,
	}
	if *pageRows > 0 {
		req.MaxRows = *pageRows
	}

	ctx := context.Background()
	var rows, partitions uint64
	for page := 0; ; page++ {
		rs, info, err := engine.QueryRows(ctx, req)
		if err != nil {
			return err
		}
		rows += rs.Rows
		partitions += info.Partitions
		logutil.Info("page done",
			zap.Int("page", page),
			zap.Uint64("rows", info.Rows),
			zap.Uint64("partitions", info.Partitions),
			zap.Bool("short-read", info.ShortRead))
		if !info.ShortRead {
			break
		}
		req.FirstPage = false
	}
	logutil.Info("query done",
		zap.String("query-id", req.QueryID.String()),
		zap.Uint64("rows", rows),
		zap.Uint64("partitions", partitions),
		zap.Int64("permits-issued", engine.Counters().Admission.PermitsIssued.Load()),
		zap.Int64("reclaims", engine.Counters().Admission.InactiveReclaims.Load()))
	return nil
}
