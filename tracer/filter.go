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
	"sync/atomic"
)

// FiveTuple scopes which traversals and packets are persisted. SrcPort == -1
// is the cleared sentinel: an empty filter admits every event.
type FiveTuple struct {
	SrcIP    string
	DstIP    string
	SrcPort  int
	DstPort  int
	Protocol uint8
}

// Empty reports whether the tuple is the cleared sentinel.
func (t FiveTuple) Empty() bool {
	return t.SrcPort < 0
}

// MatchesAddrs reports whether the address pair matches the filter in the
// forward or reverse direction.
func (t FiveTuple) MatchesAddrs(srcip, dstip string) bool {
	return (srcip == t.SrcIP && dstip == t.DstIP) ||
		(srcip == t.DstIP && dstip == t.SrcIP)
}

// MatchesPorts reports whether the port pair matches forward or reverse.
func (t FiveTuple) MatchesPorts(sport, dport int) bool {
	return (sport == t.SrcPort && dport == t.DstPort) ||
		(sport == t.DstPort && dport == t.SrcPort)
}

// Matches is the full forward-or-reverse five-tuple check. An empty filter
// matches everything.
func (t FiveTuple) Matches(srcip, dstip string, sport, dport int) bool {
	if t.Empty() {
		return true
	}
	return t.MatchesAddrs(srcip, dstip) && t.MatchesPorts(sport, dport)
}

var clearedFilter = FiveTuple{SrcPort: -1, DstPort: -1}

// Filter is the process-wide flow filter shared by the function prober and
// the packet prober. There is exactly one writer (the request handler); the
// consumer threads only read. A single pointer swap keeps reads coherent
// with at most one event of lag and no locking.
type Filter struct {
	cur atomic.Pointer[FiveTuple]

	// gStatus counts matching anchor entries minus matching anchor exits:
	// > 0 means execution is currently inside a matching traversal. It is
	// only a persistence hint, never ground truth.
	gStatus atomic.Int64

	// onChange mirrors the tuple into the in-kernel filter map, when the
	// data plane is attached.
	onChange func(FiveTuple)
}

// NewFilter returns a cleared filter.
func NewFilter() *Filter {
	f := &Filter{}
	cleared := clearedFilter
	f.cur.Store(&cleared)
	return f
}

// Set installs a new tuple and resets the traversal counter.
func (f *Filter) Set(t FiveTuple) {
	f.gStatus.Store(0)
	f.cur.Store(&t)
	if f.onChange != nil {
		f.onChange(t)
	}
}

// Clear restores the admit-all sentinel and resets the traversal counter.
func (f *Filter) Clear() {
	f.Set(clearedFilter)
}

// Get returns the current tuple by value.
func (f *Filter) Get() FiveTuple {
	return *f.cur.Load()
}

// EnterTraversal increments the in-traversal counter.
func (f *Filter) EnterTraversal() {
	f.gStatus.Add(1)
}

// LeaveTraversal decrements the counter, never below zero.
func (f *Filter) LeaveTraversal() {
	for {
		v := f.gStatus.Load()
		if v <= 0 {
			return
		}
		if f.gStatus.CompareAndSwap(v, v-1) {
			return
		}
	}
}

// InTraversal reports whether a matching send or receive is in flight.
func (f *Filter) InTraversal() bool {
	return f.gStatus.Load() > 0
}
