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
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
)

// Pipeline owns the whole tracing path: discovery, generation, compilation,
// attachment, the two ring buffer consumers, the stores and the filter.
type Pipeline struct {
	Config Config
	Filter *Filter

	FuncStore   *Store
	PacketStore *Store
	Query       *QueryEngine

	Coll   *ebpf.Collection
	prober *Prober
	tcx    *TcxProber

	funcs []FuncRecord
}

// NewPipeline performs every fatal setup step: BTF discovery, program
// generation and compilation, object load, store creation. Anything failing
// here means the tracer cannot run at all.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create cache dir: %w", err)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("unable to lift memlock rlimit: %w", err)
	}

	if _, err := DumpVmlinuxHeader(cfg.Bpftool, cfg.CacheDir); err != nil {
		return nil, err
	}
	btfSpec, err := LoadKernelBTF()
	if err != nil {
		return nil, err
	}
	funcs, err := DiscoverFunctions(btfSpec)
	if err != nil {
		return nil, err
	}
	if err := WriteFuncIDMap(cfg.CacheDir, funcs); err != nil {
		return nil, err
	}

	objPath, err := CompileSource(cfg.Clang, cfg.CacheDir, GenerateSource(funcs, cfg.SnapLen))
	if err != nil {
		return nil, err
	}
	collSpec, err := LoadCollection(objPath)
	if err != nil {
		return nil, err
	}
	coll, err := ebpf.NewCollection(collSpec)
	if err != nil {
		return nil, fmt.Errorf("unable to load probe collection: %w", err)
	}

	funcStore, err := OpenFunctionStore(cfg.CacheDir)
	if err != nil {
		coll.Close()
		return nil, err
	}
	packetStore, err := OpenPacketStore(cfg.CacheDir)
	if err != nil {
		funcStore.Close()
		coll.Close()
		return nil, err
	}

	filter := NewFilter()
	filter.onChange = func(t FiveTuple) { MirrorFilter(coll, t) }

	p := &Pipeline{
		Config:      cfg,
		Filter:      filter,
		FuncStore:   funcStore,
		PacketStore: packetStore,
		Query:       &QueryEngine{Func: funcStore, Packet: packetStore},
		Coll:        coll,
		funcs:       funcs,
		prober: &Prober{
			Coll:   coll,
			Funcs:  funcs,
			Filter: filter,
			Store:  funcStore,
			Period: cfg.CommitPeriod,
		},
		tcx: &TcxProber{
			Coll:   coll,
			Filter: filter,
			Store:  packetStore,
			Period: cfg.CommitPeriod,
		},
	}
	return p, nil
}

// Funcs exposes the discovered candidate set.
func (p *Pipeline) Funcs() []FuncRecord {
	return p.funcs
}

// AttachFinished reports probe attachment state for the surface.
func (p *Pipeline) AttachFinished() bool {
	return p.prober.AttachFinished()
}

// ClearData raises the clear flag on both stores; each consumer truncates
// at its next commit tick.
func (p *Pipeline) ClearData() {
	p.FuncStore.RaiseClearFlag()
	p.PacketStore.RaiseClearFlag()
}

// DropCounters reads the in-kernel reserve-failure counters.
func (p *Pipeline) DropCounters() (funcDrops, packetDrops uint64) {
	return ReadDropCounters(p.Coll)
}

// Run attaches everything and drives the two consumers until ctx is
// cancelled. The data plane attaches first so receive traversals observed
// by the function probes are also on the wire capture.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.tcx.Attach(); err != nil {
		return err
	}
	defer p.tcx.Detach()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := p.tcx.Run(ctx); err != nil {
			log.Errorf("packet consumer stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		p.prober.Attach()
		defer p.prober.Detach()
		if err := p.prober.Run(ctx); err != nil {
			log.Errorf("function consumer stopped: %v", err)
		}
	}()
	wg.Wait()
	return nil
}

// Close releases stores and the loaded collection.
func (p *Pipeline) Close() {
	p.FuncStore.Close()
	p.PacketStore.Close()
	p.Coll.Close()
}
