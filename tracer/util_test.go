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

func TestU32ToIPv4(t *testing.T) {
	// 127.0.0.1 in network order occupies the low byte first
	require.Equal(t, "127.0.0.1", U32ToIPv4(0x0100007f))
	require.Equal(t, "0.0.0.0", U32ToIPv4(0))
	require.Equal(t, "255.255.255.255", U32ToIPv4(0xffffffff))
	require.Equal(t, "8.8.8.8", U32ToIPv4(0x08080808))
}

func TestBytesToIPv4(t *testing.T) {
	require.Equal(t, "192.168.1.7", BytesToIPv4([]byte{192, 168, 1, 7}))
	require.Equal(t, "", BytesToIPv4([]byte{192, 168}))
}

func TestBytesToIPv6(t *testing.T) {
	loopback := make([]byte, 16)
	loopback[15] = 1
	require.Equal(t, "0000:0000:0000:0000:0000:0000:0000:0001", BytesToIPv6(loopback))
	require.Equal(t, "", BytesToIPv6([]byte{1, 2, 3}))

	addr := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x12, 0x34}
	require.Equal(t, "2001:0db8:0000:0000:0000:0000:0000:1234", BytesToIPv6(addr))
}

func TestCanonicalIP(t *testing.T) {
	require.Equal(t, "127.0.0.1", CanonicalIP("127.0.0.1"))
	require.Equal(t, "0000:0000:0000:0000:0000:0000:0000:0001", CanonicalIP("::1"))
	require.Equal(t, "", CanonicalIP("not an ip"))
	require.Equal(t, "", CanonicalIP(""))

	// IPv6-mapped IPv4 addresses classify as IPv6
	require.Equal(t, "0000:0000:0000:0000:0000:ffff:0102:0304", CanonicalIP("::ffff:1.2.3.4"))
}
