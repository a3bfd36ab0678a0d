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
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameSelected(t *testing.T) {
	// keyword hits
	require.True(t, nameSelected("tcp_v4_rcv"))
	require.True(t, nameSelected("udp_rcv"))
	require.True(t, nameSelected("dev_hard_start_xmit"))
	require.True(t, nameSelected("icmp_rcv"))

	// no keyword
	require.False(t, nameSelected("vfs_read"))
	require.False(t, nameSelected("schedule"))

	// self-tracing exclusion
	require.False(t, nameSelected("bpf_prog_run"))

	// denylist: recursion and flow-free dominators
	require.False(t, nameSelected("sock_recvmsg"))
	require.False(t, nameSelected("consume_skb"))
	require.False(t, nameSelected("tcp_poll"))

	// anchors get specialised probes, never generic ones
	require.False(t, nameSelected("tcp_sendmsg"))
	require.False(t, nameSelected("ip_rcv_core"))
	require.False(t, nameSelected("ipv6_list_rcv"))
}

func TestWriteAndReadFuncIDMap(t *testing.T) {
	dir := t.TempDir()
	funcs := []FuncRecord{
		{ID: 42, Name: "tcp_v4_rcv"},
		{ID: 43, Name: "udp_rcv"},
	}
	require.Nil(t, WriteFuncIDMap(dir, funcs))

	m, err := ReadFuncIDMap(dir)
	require.Nil(t, err)
	require.Equal(t, FuncRecord{ID: 42, Name: "tcp_v4_rcv"}, m["42"])

	// the fixed anchor ids are always included
	for id, name := range AnchorNames {
		rec, ok := m[strconv.FormatUint(id, 10)]
		require.True(t, ok, "anchor %d missing", id)
		require.Equal(t, name, rec.Name)
	}
	require.Equal(t, len(funcs)+len(AnchorNames), len(m))
}
