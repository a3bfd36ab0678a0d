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

// Package analyzer produces the live per-flow metric stream served over the
// WebSocket surface: per-direction cross-layer latencies, event
// frequencies, per-layer packet counts and rates, and a drop rate, derived
// from the traversal stores and the in-kernel drop counters.
package analyzer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/usernameisveryok/PacketScope/tracer"
)

// Params carries one stream request.
type Params struct {
	IPv4     bool
	IPv6     bool
	SrcIP    string
	DstIP    string
	SrcPort  int
	DstPort  int
	Protocol string
}

// ParseParams validates the raw request fields and returns the collected
// validation failures, mirrored verbatim into the error response.
func ParseParams(raw map[string]interface{}) (Params, []string) {
	var p Params
	var errs []string

	get := func(key string) (string, bool) {
		v, ok := raw[key]
		if !ok || v == nil {
			errs = append(errs, "Missing parameter: "+key)
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	}

	if s, ok := get("ipv4"); ok {
		p.IPv4 = strings.EqualFold(s, "true")
	}
	if s, ok := get("ipv6"); ok {
		p.IPv6 = strings.EqualFold(s, "true")
	}
	if s, ok := get("sip"); ok && s != "" {
		p.SrcIP = s
	} else if ok {
		errs = append(errs, "Missing parameter: sip")
	}
	if s, ok := get("dip"); ok && s != "" {
		p.DstIP = s
	} else if ok {
		errs = append(errs, "Missing parameter: dip")
	}
	for _, key := range []string{"sport", "dport"} {
		s, ok := get(key)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 || v > 65535 {
			errs = append(errs, "Invalid value for "+key+": "+s)
			continue
		}
		if key == "sport" {
			p.SrcPort = v
		} else {
			p.DstPort = v
		}
	}
	if s, ok := get("protocol"); ok {
		p.Protocol = strings.ToLower(s)
		switch p.Protocol {
		case "tcp", "udp", "icmp":
		default:
			errs = append(errs, "Invalid value for protocol: "+s)
		}
	}
	if len(errs) == 0 && !p.IPv4 && !p.IPv6 {
		errs = append(errs, "At least one of IPv4 or IPv6 must be enabled")
	}
	return p, errs
}

// DirectionMetrics aggregates one direction of the flow over a tick.
type DirectionMetrics struct {
	// Cross-layer latencies in milliseconds. Nil when the tick carried no
	// traversal with both boundaries.
	LinkNetworkMs     *float64 `json:"linknetwork_ms"`
	NetworkTransMs    *float64 `json:"networktrans_ms"`
	LinkTransMs       *float64 `json:"linktrans_ms"`
	Traversals  int     `json:"traversals"`
	FrequencyHz float64 `json:"frequency_hz"`
}

// LayerMetrics counts activity at one stack layer.
type LayerMetrics struct {
	Packets int     `json:"packets"`
	RateHz  float64 `json:"rate_hz"`
}

// Report is one emitted JSON line.
type Report struct {
	TX       DirectionMetrics        `json:"tx"`
	RX       DirectionMetrics        `json:"rx"`
	Layers   map[string]LayerMetrics `json:"layers"`
	DropRate float64                 `json:"drop_rate"`
	Time     float64                 `json:"time"`
}

// Analyzer computes reports from the query engine and drop counters.
type Analyzer struct {
	Query *tracer.QueryEngine
	// Drops returns the cumulative in-kernel reserve-failure counters.
	Drops func() (funcDrops, packetDrops uint64)
	// Names resolves func ids for layer boundary detection on send paths.
	Names map[uint64]string

	// Tick is the report cadence; EmitFloor bounds the send rate.
	Tick      time.Duration
	EmitFloor time.Duration
}

const recentWindow = 128

// Run emits one report per tick until ctx is cancelled or emit fails. The
// caller owns serialisation; emit receives a fully computed report.
func (a *Analyzer) Run(ctx context.Context, p Params, emit func(*Report) error) error {
	tick := a.Tick
	if tick <= 0 {
		tick = time.Second
	}
	floor := a.EmitFloor
	if floor <= 0 {
		floor = 100 * time.Millisecond
	}

	srcip := tracer.CanonicalIP(p.SrcIP)
	dstip := tracer.CanonicalIP(p.DstIP)
	if srcip == "" || dstip == "" {
		return fmt.Errorf("invalid address pair %q -> %q", p.SrcIP, p.DstIP)
	}

	since := float64(time.Now().UnixNano()) / 1e9
	lastFuncDrops, lastPacketDrops := uint64(0), uint64(0)
	if a.Drops != nil {
		lastFuncDrops, lastPacketDrops = a.Drops()
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := float64(time.Now().UnixNano()) / 1e9
		report := a.compute(p, srcip, dstip, since, now)
		if a.Drops != nil {
			fd, pd := a.Drops()
			interval := now - since
			if interval > 0 {
				report.DropRate = float64((fd-lastFuncDrops)+(pd-lastPacketDrops)) / interval
			}
			lastFuncDrops, lastPacketDrops = fd, pd
		}
		since = now
		if err := emit(report); err != nil {
			return err
		}
		time.Sleep(floor)
	}
}

func (a *Analyzer) compute(p Params, srcip, dstip string, since, now float64) *Report {
	recv, send := a.Query.RecentMaps(srcip, dstip, p.SrcPort, p.DstPort, recentWindow, since)

	report := &Report{
		Layers: map[string]LayerMetrics{},
		Time:   now,
	}
	interval := now - since

	report.RX = a.directionMetrics(recv, interval, true)
	report.TX = a.directionMetrics(send, interval, false)

	var packets int
	if p.IPv4 {
		packets += len(a.Query.RecentPacketsV4(srcip, dstip, p.SrcPort, p.DstPort, recentWindow, since))
	}
	if p.IPv6 {
		packets += len(a.Query.RecentPacketsV6(srcip, dstip, p.SrcPort, p.DstPort, recentWindow, since))
	}
	rate := 0.0
	if interval > 0 {
		rate = float64(packets) / interval
	}
	report.Layers["link"] = LayerMetrics{Packets: packets, RateHz: rate}
	report.Layers["network"] = layerFromTraversals(recv, send, interval)
	report.Layers["transport"] = LayerMetrics{
		Packets: len(recv) + len(send),
		RateHz:  safeRate(len(recv)+len(send), interval),
	}
	return report
}

func safeRate(n int, interval float64) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(n) / interval
}

func layerFromTraversals(recv, send []tracer.Traversal, interval float64) LayerMetrics {
	n := len(send) // send anchors enter above the network layer by construction
	for _, tr := range recv {
		if _, ok := networkBoundary(tr); ok {
			n++
		}
	}
	return LayerMetrics{Packets: n, RateHz: safeRate(n, interval)}
}

// directionMetrics averages cross-layer latencies over the traversals of
// one tick. All latencies are milliseconds over seconds-difference: the
// stores carry float seconds, so the conversion is a single *1e3.
func (a *Analyzer) directionMetrics(trs []tracer.Traversal, interval float64, recvSide bool) DirectionMetrics {
	var m DirectionMetrics
	m.Traversals = len(trs)
	m.FrequencyHz = safeRate(len(trs), interval)

	var linkNet, netTrans, linkTrans []float64
	for _, tr := range trs {
		if len(tr) == 0 {
			continue
		}
		start := tr[0].Time
		end := tr[len(tr)-1].Time
		var netT float64
		var haveNet bool
		if recvSide {
			netT, haveNet = networkBoundary(tr)
		} else {
			netT, haveNet = a.sendNetworkBoundary(tr)
		}
		if haveNet {
			linkNet = append(linkNet, (netT-start)*1e3)
			netTrans = append(netTrans, (end-netT)*1e3)
		}
		linkTrans = append(linkTrans, (end-start)*1e3)
	}
	m.LinkNetworkMs = meanOrNil(linkNet)
	m.NetworkTransMs = meanOrNil(netTrans)
	m.LinkTransMs = meanOrNil(linkTrans)
	return m
}

// networkBoundary finds the network receive anchor inside a traversal.
func networkBoundary(tr tracer.Traversal) (float64, bool) {
	for _, e := range tr {
		if tracer.IsRecvAnchor(e.ID) && e.IsRet == 0 {
			return e.Time, true
		}
	}
	return 0, false
}

// sendNetworkBoundary finds the first ip-layer function entered after the
// transport anchor on a send traversal.
func (a *Analyzer) sendNetworkBoundary(tr tracer.Traversal) (float64, bool) {
	for _, e := range tr[1:] {
		name := a.Names[e.ID]
		if e.IsRet == 0 && (strings.HasPrefix(name, "ip_") || strings.HasPrefix(name, "ip6_") || strings.HasPrefix(name, "ipv6_")) {
			return e.Time, true
		}
	}
	return 0, false
}

func meanOrNil(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	return &mean
}
