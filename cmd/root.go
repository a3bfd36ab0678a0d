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
	"fmt"
	"os"
	"time"

	"github.com/usernameisveryok/PacketScope/tracer"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the main entry point. It's exported so packetscope could be
// extended without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "packetscope",
	Short: "Correlate per-flow packets with the kernel paths that processed them",
}

var cfg tracer.Config

// secondary subsystem configuration
var (
	geoCityPath string
	geoASNPath  string
	ipinfoURL   string
	historyDir  string
	intelPath   string
	intelCmd    string
	hopCommand  string
)

func init() {
	RootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "loglevel", "info", "set a log level. Can be: trace, debug, info, warning, error")
	RootCmd.PersistentFlags().StringVar(&cfg.CacheDir, "cachedir", ".cache", "directory for the generated program, the id map and both databases")
	RootCmd.PersistentFlags().StringVar(&cfg.Clang, "clang", "clang", "compiler for the generated probe program")
	RootCmd.PersistentFlags().StringVar(&cfg.Bpftool, "bpftool", "bpftool", "tool used to dump the kernel type graph")
	RootCmd.PersistentFlags().IntVar(&cfg.SnapLen, "snaplen", tracer.SnapLenDefault, "leading frame bytes captured per packet")
	RootCmd.PersistentFlags().DurationVar(&cfg.CommitPeriod, "period", time.Second, "store commit cadence")
	RootCmd.PersistentFlags().StringVar(&cfg.ListenAddr, "listen", ":19999", "query surface address")
	RootCmd.PersistentFlags().StringVar(&cfg.AnalyzerAddr, "analyzer-listen", ":19997", "live analyzer WebSocket address")
	RootCmd.PersistentFlags().StringVar(&cfg.LocatorAddr, "locator-listen", ":19998", "hop-path API address")
	RootCmd.PersistentFlags().StringVar(&cfg.ExporterListen, "exporter-listen", ":9101", "prometheus exporter address")
	RootCmd.PersistentFlags().BoolVar(&cfg.Exporter, "exporter", false, "serve internal counters over prometheus")

	RootCmd.PersistentFlags().StringVar(&geoCityPath, "geoip-city", "GeoLite2-City.mmdb", "GeoIP city database")
	RootCmd.PersistentFlags().StringVar(&geoASNPath, "geoip-asn", "GeoLite2-ASN.mmdb", "GeoIP ASN database")
	RootCmd.PersistentFlags().StringVar(&ipinfoURL, "ipinfo-url", "https://ipinfo.io", "IP info service, empty to disable")
	RootCmd.PersistentFlags().StringVar(&historyDir, "history", "history", "hop history directory")
	RootCmd.PersistentFlags().StringVar(&intelPath, "risky-ips", "risky_ips.json", "threat intel map")
	RootCmd.PersistentFlags().StringVar(&intelCmd, "intel-updater", "update_threat_intel", "command creating the threat intel map when absent")
	RootCmd.PersistentFlags().StringVar(&hopCommand, "hop-command", "traceroute", "hop-probe binary")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs
// to be called by any subcommand.
func ConfigureVerbosity() {
	switch cfg.LogLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", cfg.LogLevel)
	}
}

// Execute is the main entry point for CLI interface
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
