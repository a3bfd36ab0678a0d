/*
Copyright (c) PacketScope and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usernameisveryok/PacketScope/analyzer"
	"github.com/usernameisveryok/PacketScope/locator"
	"github.com/usernameisveryok/PacketScope/server"
	"github.com/usernameisveryok/PacketScope/tracer"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the tracing pipeline and the query surfaces",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := runServer(); err != nil {
			log.Fatalf("unable to run server: %v", err)
		}
	},
}

func init() {
	RootCmd.AddCommand(serverCmd)
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := tracer.NewPipeline(cfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	geo, err := locator.NewGeoResolver(geoCityPath, geoASNPath, ipinfoURL)
	if err != nil {
		return err
	}
	defer geo.Close()

	loc := locator.New(historyDir, geo, &locator.ThreatIntel{
		Path:      intelPath,
		UpdateCmd: []string{intelCmd},
	})
	loc.Command = hopCommand

	funcMap, err := tracer.ReadFuncIDMap(cfg.CacheDir)
	if err != nil {
		return err
	}
	names := make(map[uint64]string, len(funcMap))
	for idStr, rec := range funcMap {
		if id, err := strconv.ParseUint(idStr, 10, 64); err == nil {
			names[id] = rec.Name
		}
	}

	if cfg.Exporter {
		tracer.StartExporter(cfg.ExporterListen)
	}

	srv := &server.Server{
		Filter:         pipeline.Filter,
		Query:          pipeline.Query,
		ClearData:      pipeline.ClearData,
		AttachFinished: pipeline.AttachFinished,
		Analyzer: &analyzer.Analyzer{
			Query: pipeline.Query,
			Drops: pipeline.DropCounters,
			Names: names,
		},
		Locator:      loc,
		FuncMapPath:  filepath.Join(cfg.CacheDir, "FuncIDMap.json"),
		ListenAddr:   cfg.ListenAddr,
		AnalyzerAddr: cfg.AnalyzerAddr,
		LocatorAddr:  cfg.LocatorAddr,
	}

	errc := make(chan error, 2)
	go func() { errc <- pipeline.Run(ctx) }()
	go func() { errc <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}
