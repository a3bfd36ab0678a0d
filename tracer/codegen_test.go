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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSourceContainsAllProbes(t *testing.T) {
	funcs := []FuncRecord{
		{ID: 1001, Name: "tcp_v4_rcv"},
		{ID: 1002, Name: "udp_rcv"},
	}
	src := GenerateSource(funcs, SnapLenDefault)

	// one entry and one exit per candidate
	for _, f := range funcs {
		require.Contains(t, src, fmt.Sprintf("SEC(\"kprobe/%s\")", f.Name))
		require.Contains(t, src, fmt.Sprintf("SEC(\"kretprobe/%s\")", f.Name))
		require.Contains(t, src, fmt.Sprintf("reserve_event(%d, 0)", f.ID))
		require.Contains(t, src, fmt.Sprintf("reserve_event(%d, 1)", f.ID))
	}

	// every anchor is always emitted
	for id, name := range AnchorNames {
		require.Contains(t, src, "int ktprobe_"+name, "missing entry probe for %s", name)
		require.Contains(t, src, "int ktretprobe_"+name, "missing exit probe for %s", name)
		require.Contains(t, src, fmt.Sprintf("reserve_event(%d, 0)", id))
	}

	// the two data-plane classifiers and the shared rings
	require.Contains(t, src, "int tcx_ingress(struct __sk_buff *skb)")
	require.Contains(t, src, "int tcx_egress(struct __sk_buff *skb)")
	require.Contains(t, src, "} events SEC(\".maps\")")
	require.Contains(t, src, "} packet_events SEC(\".maps\")")
	require.Contains(t, src, "} flow_filter SEC(\".maps\")")
	require.Contains(t, src, "#define SNAP_LEN 256")
}

func TestGenerateSourceAnchorExtraction(t *testing.T) {
	src := GenerateSource(nil, SnapLenDefault)

	// sock anchors byte-swap the remote port and read the family
	require.Contains(t, src, "skc_dport")
	require.Contains(t, src, "skc_num")
	require.Contains(t, src, "(dport >> 8) | ((dport << 8) & 0xff00)")

	// skb anchors parse L3 at data and L4 at data + ihl*4
	require.Contains(t, src, "(hdr[0] & 0x0f) * 4")

	// link anchors carry identity only: no tuple extraction in their bodies
	start := strings.Index(src, "int ktprobe_ip_list_rcv")
	end := strings.Index(src[start:], "int ktretprobe_ip_list_rcv")
	require.Greater(t, start, 0)
	require.NotContains(t, src[start:start+end], "fill_sock_tuple")
	require.NotContains(t, src[start:start+end], "fill_skb_tuple")
}

func TestProbeNames(t *testing.T) {
	entry, exit := ProbeNames("tcp_sendmsg")
	require.Equal(t, "ktprobe_tcp_sendmsg", entry)
	require.Equal(t, "ktretprobe_tcp_sendmsg", exit)
}
