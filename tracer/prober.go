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

package tracer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	log "github.com/sirupsen/logrus"
)

// rawFuncEvent mirrors struct sk_probe in the generated program.
type rawFuncEvent struct {
	Pid        uint32
	Pad        uint32
	KernelTime uint64
	FuncID     uint64
	IsRet      uint64
	Family     uint64
	Dport      uint64
	Lport      uint64
	SaddrV4    uint32
	DaddrV4    uint32
	SaddrV6    [16]byte
	DaddrV6    [16]byte
}

// Prober attaches the entry/exit probes and drains the function event ring
// buffer into the function store.
type Prober struct {
	Coll   *ebpf.Collection
	Funcs  []FuncRecord
	Filter *Filter
	Store  *Store
	Period time.Duration

	links          []link.Link
	attachFinished atomic.Bool

	// open tracks in-flight matching anchors so their exits can be paired:
	// exits carry no tuple, so matching is by (func_id, pid) order.
	open map[anchorKey]int

	startKT    uint64
	attachTime float64
}

type anchorKey struct {
	id  uint64
	pid uint32
}

// AttachFinished reports whether every attachment attempt has completed.
func (p *Prober) AttachFinished() bool {
	return p.attachFinished.Load()
}

// Attach wires one entry and one exit probe per discovered function plus
// every anchor. A per-function failure (missing symbol, verifier rejection)
// is logged and skipped, never fatal: the tracer runs with a reduced set.
func (p *Prober) Attach() {
	attach := func(name string) bool {
		entryName, exitName := ProbeNames(name)
		entryProg := p.Coll.Programs[entryName]
		exitProg := p.Coll.Programs[exitName]
		if entryProg == nil || exitProg == nil {
			log.Warnf("probe programs for %s missing from object, skipping", name)
			return false
		}
		kp, err := link.Kprobe(name, entryProg, nil)
		if err != nil {
			log.Warnf("unable to attach kprobe/%s: %v", name, err)
			return false
		}
		krp, err := link.Kretprobe(name, exitProg, nil)
		if err != nil {
			kp.Close()
			log.Warnf("unable to attach kretprobe/%s: %v", name, err)
			return false
		}
		p.links = append(p.links, kp, krp)
		return true
	}

	attached := 0
	for _, name := range AnchorNames {
		if attach(name) {
			attached++
		}
	}
	for _, f := range p.Funcs {
		if attach(f.Name) {
			attached++
		} else {
			attachSkipped.Inc()
		}
	}
	p.attachTime = float64(time.Now().UnixNano()) / 1e9
	p.attachFinished.Store(true)
	log.Infof("attached %d/%d kernel functions", attached, len(p.Funcs)+len(AnchorNames))
}

// Detach closes every probe link.
func (p *Prober) Detach() {
	for _, l := range p.links {
		l.Close()
	}
	p.links = nil
}

// Run consumes the function event ring buffer until ctx is cancelled,
// committing the store once per Period and honoring the clear flag at each
// tick. Overruns on the kernel side silently drop events; that is reported
// via counters only.
func (p *Prober) Run(ctx context.Context) error {
	rd, err := ringbuf.NewReader(p.Coll.Maps["events"])
	if err != nil {
		return err
	}
	defer rd.Close()
	go func() {
		<-ctx.Done()
		rd.Close()
	}()

	p.open = make(map[anchorKey]int)
	order := hostByteOrder()
	lastCommit := time.Now()
	for {
		rd.SetDeadline(time.Now().Add(p.Period))
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				p.Store.Commit()
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				p.Store.Commit()
				lastCommit = time.Now()
				continue
			}
			log.Errorf("function ring read failed: %v", err)
			continue
		}

		var ev rawFuncEvent
		if err := binary.Read(bytes.NewBuffer(record.RawSample), order, &ev); err != nil {
			eventsDropped.WithLabelValues("functions").Inc()
			continue
		}
		eventsDecoded.WithLabelValues("functions").Inc()
		p.handleEvent(&ev)

		if time.Since(lastCommit) >= p.Period {
			p.Store.Commit()
			lastCommit = time.Now()
		}
	}
}

// eventTime rebases monotonic kernel time onto the wall clock: attach time
// plus the offset from the first observed event.
func (p *Prober) eventTime(kt uint64) float64 {
	if p.startKT == 0 {
		p.startKT = kt
	}
	return p.attachTime + float64(kt-p.startKT)/1e9
}

func (p *Prober) handleEvent(ev *rawFuncEvent) {
	t := p.eventTime(ev.KernelTime)
	id := ev.FuncID
	isRet := int(ev.IsRet)

	if IsAnchor(id) && isRet == 0 {
		if IsLinkAnchor(id) {
			// identity only, but always visible to the query joins
			p.insertFunc(t, 0, id, ev.Pid)
			p.insertAnchor(t, 0, id, ev.Pid, 0, 0, 0, "", "")
			return
		}
		sport := int(ev.Lport)
		dport := int(ev.Dport)
		if sport > 65535 || dport > 65535 {
			p.insertFunc(t, 0, id, ev.Pid)
			return
		}
		var srcip, dstip string
		switch ev.Family {
		case 4:
			srcip = U32ToIPv4(ev.SaddrV4)
			dstip = U32ToIPv4(ev.DaddrV4)
		case 6:
			srcip = BytesToIPv6(ev.SaddrV6[:])
			dstip = BytesToIPv6(ev.DaddrV6[:])
		default:
			p.insertFunc(t, 0, id, ev.Pid)
			return
		}
		if IsRecvAnchor(id) {
			// receive anchors see the remote sender's perspective; swap so
			// every persisted tuple keys by the outbound direction
			srcip, dstip = dstip, srcip
			sport, dport = dport, sport
		}
		f := p.Filter.Get()
		if !f.Empty() && f.MatchesAddrs(srcip, dstip) && f.MatchesPorts(sport, dport) {
			p.Filter.EnterTraversal()
			p.open[anchorKey{id, ev.Pid}]++
		}
		p.insertAnchor(t, 0, id, ev.Pid, int(ev.Family), sport, dport, srcip, dstip)
		p.insertFunc(t, 0, id, ev.Pid)
		return
	}

	if IsAnchor(id) && isRet == 1 {
		key := anchorKey{id, ev.Pid}
		if p.open[key] > 0 {
			p.open[key]--
			if p.open[key] == 0 {
				delete(p.open, key)
			}
			p.Filter.LeaveTraversal()
		}
		p.insertFunc(t, 1, id, ev.Pid)
		return
	}

	if p.Filter.InTraversal() || p.Filter.Get().Empty() {
		p.insertFunc(t, isRet, id, ev.Pid)
	}
}

func (p *Prober) insertFunc(t float64, isRet int, id uint64, pid uint32) {
	p.Store.Exec("INSERT INTO functionCall VALUES(?,?,?,?)", t, isRet, id, pid)
}

func (p *Prober) insertAnchor(t float64, isRet int, id uint64, pid uint32, family, sport, dport int, srcip, dstip string) {
	p.Store.Exec("INSERT INTO SpecfunctionCall VALUES(?,?,?,?,?,?,?,?,?,?)",
		t, isRet, id, pid, family, sport, dport, srcip, dstip, "")
}

// ReadDropCounters returns the in-kernel reserve-failure counters for the
// function and packet rings.
func ReadDropCounters(coll *ebpf.Collection) (funcDrops, packetDrops uint64) {
	m := coll.Maps["drop_counters"]
	if m == nil {
		return 0, 0
	}
	var v uint64
	if err := m.Lookup(uint32(0), &v); err == nil {
		funcDrops = v
	}
	if err := m.Lookup(uint32(1), &v); err == nil {
		packetDrops = v
	}
	return funcDrops, packetDrops
}
