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

package locator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeTarget(t *testing.T) {
	require.Equal(t, "example.com", sanitizeTarget("example.com"))
	require.Equal(t, "1.1.1.1", sanitizeTarget("1.1.1.1"))
	require.Equal(t, "a_b_c", sanitizeTarget("a/b:c"))
}

func TestResolveTargetNumericPassthrough(t *testing.T) {
	ip, err := resolveTarget("1.1.1.1")
	require.Nil(t, err)
	require.Equal(t, "1.1.1.1", ip)

	ip, err = resolveTarget("::1")
	require.Nil(t, err)
	require.Equal(t, "::1", ip)
}

func TestHistoryRoundTrip(t *testing.T) {
	l := New(t.TempDir(), nil, nil)
	hops := []Hop{hop(1, "192.168.1.1", 1), hop(2, "1.1.1.1", 8)}

	require.Nil(t, l.saveHistory("1.1.1.1", "one.one.one.one", hops))

	records, err := l.History("1.1.1.1")
	require.Nil(t, err)
	require.Equal(t, 1, len(records))
	require.Equal(t, "one.one.one.one", records[0].Target)
	require.Equal(t, 2, len(records[0].Hops))
	require.Equal(t, "1.1.1.1", *records[0].Hops[1].IP)

	latest, err := l.latestHistory("1.1.1.1")
	require.Nil(t, err)
	require.Equal(t, 2, len(latest))
}

func TestHistoryEmptyForUnknownTarget(t *testing.T) {
	l := New(t.TempDir(), nil, nil)
	records, err := l.History("1.1.1.1")
	require.Nil(t, err)
	require.Empty(t, records)
}

func TestTraceReplaysCachedRun(t *testing.T) {
	l := New(t.TempDir(), nil, nil)
	hops := []Hop{hop(1, "192.168.1.1", 1)}
	require.Nil(t, l.saveHistory("1.1.1.1", "1.1.1.1", hops))

	var streamed []Hop
	err := l.Trace(context.Background(), "1.1.1.1", true, func(h *Hop) error {
		streamed = append(streamed, *h)
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, 1, len(streamed))
	require.Equal(t, "192.168.1.1", *streamed[0].IP)
}

func TestProbeParsesScriptedOutput(t *testing.T) {
	l := New(t.TempDir(), nil, nil)
	// stand-in hop probe emitting two hops
	l.Command = "sh"
	l.Args = []string{"-c", `printf ' 1  10.0.0.1 (10.0.0.1)  1.0 ms  2.0 ms  3.0 ms\n 2  1.1.1.1 (1.1.1.1)  8.0 ms  *  9.0 ms\n' #`}

	var streamed []Hop
	err := l.Trace(context.Background(), "1.1.1.1", false, func(h *Hop) error {
		streamed = append(streamed, *h)
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, 2, len(streamed))
	require.Equal(t, 1, streamed[0].Hop)
	require.Equal(t, 2, streamed[1].Hop)
	require.InDelta(t, 2.0, *streamed[0].Latency, 1e-9)
	require.InDelta(t, 1.0/3.0, streamed[1].Loss, 1e-9)

	// the run landed in the history tree
	names, err := l.historyFiles("1.1.1.1")
	require.Nil(t, err)
	require.Equal(t, 1, len(names))
}