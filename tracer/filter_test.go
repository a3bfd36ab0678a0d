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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterEmptyAdmitsAll(t *testing.T) {
	f := NewFilter()
	require.True(t, f.Get().Empty())
	require.True(t, f.Get().Matches("1.2.3.4", "5.6.7.8", 80, 443))
}

func TestFilterForwardAndReverse(t *testing.T) {
	tuple := FiveTuple{SrcIP: "127.0.0.1", DstIP: "10.0.0.2", SrcPort: 45290, DstPort: 43483}
	require.True(t, tuple.Matches("127.0.0.1", "10.0.0.2", 45290, 43483))
	require.True(t, tuple.Matches("10.0.0.2", "127.0.0.1", 43483, 45290))
	require.False(t, tuple.Matches("127.0.0.1", "10.0.0.2", 45290, 80))
	require.False(t, tuple.Matches("8.8.8.8", "10.0.0.2", 45290, 43483))
}

func TestFilterBoundaryPorts(t *testing.T) {
	tuple := FiveTuple{SrcIP: "a", DstIP: "b", SrcPort: 0, DstPort: 65535}
	require.False(t, tuple.Empty())
	require.True(t, tuple.MatchesPorts(0, 65535))
	require.True(t, tuple.MatchesPorts(65535, 0))
}

func TestFilterSetResetsStatus(t *testing.T) {
	f := NewFilter()
	tuple := FiveTuple{SrcIP: "127.0.0.1", DstIP: "127.0.0.1", SrcPort: 1, DstPort: 2}
	f.Set(tuple)
	f.EnterTraversal()
	f.EnterTraversal()
	require.True(t, f.InTraversal())

	// re-setting the same tuple must reset the counter
	f.Set(tuple)
	require.False(t, f.InTraversal())

	f.EnterTraversal()
	f.LeaveTraversal()
	require.False(t, f.InTraversal())

	// the counter never goes negative
	f.LeaveTraversal()
	f.LeaveTraversal()
	require.False(t, f.InTraversal())
	f.EnterTraversal()
	require.True(t, f.InTraversal())
}

func TestFilterSetUnsetSetEquivalence(t *testing.T) {
	tuple := FiveTuple{SrcIP: "127.0.0.1", DstIP: "127.0.0.1", SrcPort: 45290, DstPort: 43483}

	a := NewFilter()
	a.Set(tuple)
	a.Clear()
	a.Set(tuple)

	b := NewFilter()
	b.Set(tuple)

	require.Equal(t, b.Get(), a.Get())
	require.Equal(t, b.InTraversal(), a.InTraversal())
}

func TestFilterClearRestoresSentinel(t *testing.T) {
	f := NewFilter()
	f.Set(FiveTuple{SrcIP: "1.1.1.1", DstIP: "2.2.2.2", SrcPort: 10, DstPort: 20})
	require.False(t, f.Get().Empty())
	f.Clear()
	require.True(t, f.Get().Empty())
	require.Equal(t, -1, f.Get().SrcPort)
}
