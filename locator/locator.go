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

// Package locator probes the outbound hop path to a remote target, enriches
// every hop with geolocation and ownership data, keeps a per-target history
// and runs deviation and risk analysis over it.
package locator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// Locator spawns the external hop probe and owns history and enrichment.
type Locator struct {
	// HistoryDir is the root of the per-target history tree.
	HistoryDir string
	// Command is the hop-probe binary; Args go before the target.
	Command string
	Args    []string

	Geo   *GeoResolver
	Intel *ThreatIntel

	cache *gocache.Cache
}

// New builds a locator with the default probe invocation.
func New(historyDir string, geo *GeoResolver, intel *ThreatIntel) *Locator {
	return &Locator{
		HistoryDir: historyDir,
		Command:    "traceroute",
		Args:       []string{"-q", "3"},
		Geo:        geo,
		Intel:      intel,
		cache:      gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// resolveTarget turns a name into an address; numeric input passes through.
func resolveTarget(target string) (string, error) {
	if ip := net.ParseIP(target); ip != nil {
		return target, nil
	}
	addrs, err := net.LookupIP(target)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("unable to resolve %q: %w", target, err)
	}
	return addrs[0].String(), nil
}

func sanitizeTarget(target string) string {
	var b strings.Builder
	for _, r := range target {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Trace resolves the target and streams enriched hops to emit. With
// useCache, the most recent stored run is replayed instead of probing.
func (l *Locator) Trace(ctx context.Context, target string, useCache bool, emit func(*Hop) error) error {
	ip, err := resolveTarget(target)
	if err != nil {
		return err
	}

	if useCache {
		if hops, ok := l.cachedRun(ip); ok {
			for i := range hops {
				if err := emit(&hops[i]); err != nil {
					return err
				}
			}
			return nil
		}
	}

	hops, err := l.probe(ctx, ip, emit)
	if err != nil {
		return err
	}
	l.cache.Set(ip, hops, gocache.DefaultExpiration)
	if err := l.saveHistory(ip, target, hops); err != nil {
		log.Warnf("unable to persist hop history: %v", err)
	}
	return nil
}

func (l *Locator) cachedRun(ip string) ([]Hop, bool) {
	if v, ok := l.cache.Get(ip); ok {
		return v.([]Hop), true
	}
	hops, err := l.latestHistory(ip)
	if err != nil {
		return nil, false
	}
	return hops, true
}

// probe runs the external hop tool, parsing and enriching hops as its
// stdout streams in.
func (l *Locator) probe(ctx context.Context, ip string, emit func(*Hop) error) ([]Hop, error) {
	args := append(append([]string{}, l.Args...), ip)
	cmd := exec.CommandContext(ctx, l.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start hop probe: %w", err)
	}

	var hops []Hop
	handle := func(h *Hop) error {
		if l.Geo != nil {
			l.Geo.Enrich(h)
		}
		hops = append(hops, *h)
		return emit(h)
	}

	parser := &Parser{}
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		if h, ok := parser.Feed(sc.Text()); ok {
			if err := handle(h); err != nil {
				cmd.Process.Kill()
				cmd.Wait()
				return nil, err
			}
		}
	}
	if h, ok := parser.Finish(); ok {
		if err := handle(h); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, err
		}
	}
	if err := cmd.Wait(); err != nil {
		// partial output still counts; the probe tool exits non-zero on
		// unreachable targets
		log.Debugf("hop probe exited: %v", err)
	}
	return hops, nil
}

type HistoryRecord struct {
	Target string  `json:"target"`
	IP     string  `json:"ip"`
	Time   float64 `json:"time"`
	Hops   []Hop   `json:"hops"`
}

func (l *Locator) saveHistory(ip, target string, hops []Hop) error {
	dir := filepath.Join(l.HistoryDir, ip)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	now := time.Now()
	rec := HistoryRecord{
		Target: target,
		IP:     ip,
		Time:   float64(now.UnixNano()) / 1e9,
		Hops:   hops,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s.json", now.Unix(), sanitizeTarget(target))
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// historyFiles lists a target's stored runs, oldest first.
func (l *Locator) historyFiles(ip string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.HistoryDir, ip))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Locator) loadHistory(ip, name string) (*HistoryRecord, error) {
	data, err := os.ReadFile(filepath.Join(l.HistoryDir, ip, name))
	if err != nil {
		return nil, err
	}
	var rec HistoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *Locator) latestHistory(ip string) ([]Hop, error) {
	names, err := l.historyFiles(ip)
	if err != nil || len(names) == 0 {
		return nil, fmt.Errorf("no history for %s", ip)
	}
	rec, err := l.loadHistory(ip, names[len(names)-1])
	if err != nil {
		return nil, err
	}
	return rec.Hops, nil
}

// History returns every stored run for a target, oldest first.
func (l *Locator) History(target string) ([]HistoryRecord, error) {
	ip, err := resolveTarget(target)
	if err != nil {
		return nil, err
	}
	names, err := l.historyFiles(ip)
	if err != nil {
		return []HistoryRecord{}, nil
	}
	out := make([]HistoryRecord, 0, len(names))
	for _, name := range names {
		rec, err := l.loadHistory(ip, name)
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Analyze traces the target (or replays the cache) and scores the run
// against its previous history and the threat-intel map.
func (l *Locator) Analyze(ctx context.Context, target string, useCache bool) (Analysis, error) {
	ip, err := resolveTarget(target)
	if err != nil {
		return Analysis{}, err
	}

	// capture the prior runs before the new trace lands in the history
	var previous [][]Hop
	if names, err := l.historyFiles(ip); err == nil {
		start := len(names) - historyDepth
		if start < 0 {
			start = 0
		}
		for _, name := range names[start:] {
			if rec, err := l.loadHistory(ip, name); err == nil {
				previous = append(previous, rec.Hops)
			}
		}
	}

	var current []Hop
	err = l.Trace(ctx, target, useCache, func(h *Hop) error {
		current = append(current, *h)
		return nil
	})
	if err != nil {
		return Analysis{}, err
	}

	intel := map[string]string{}
	if l.Intel != nil {
		intel = l.Intel.Load()
	}
	return Analyze(current, previous, intel), nil
}
