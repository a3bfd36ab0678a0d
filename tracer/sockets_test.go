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

func TestDecodeV4Endpoint(t *testing.T) {
	got, err := decodeV4Endpoint("0100007F:4E23")
	require.Nil(t, err)
	require.Equal(t, "127.0.0.1:20003", got)

	got, err = decodeV4Endpoint("00000000:0000")
	require.Nil(t, err)
	require.Equal(t, "0.0.0.0:0", got)

	_, err = decodeV4Endpoint("0100007F")
	require.NotNil(t, err)
	_, err = decodeV4Endpoint("XYZ0007F:0016")
	require.NotNil(t, err)
}

func TestDecodeV6Endpoint(t *testing.T) {
	got, err := decodeV6Endpoint("00000000000000000000000001000000:0035")
	require.Nil(t, err)
	require.Equal(t, "0000:0000:0000:0000:0000:0000:0100:0000:53", got)

	_, err = decodeV6Endpoint("0000:0035")
	require.NotNil(t, err)
}

func TestStateLabel(t *testing.T) {
	require.Equal(t, "01(ESTABLISHED)", stateLabel(1))
	require.Equal(t, "0A(LISTEN)", stateLabel(10))
	require.Equal(t, "06(TIME_WAIT)", stateLabel(6))
	require.Equal(t, "99(UNDEFINED)", stateLabel(99))
}

func TestListAllHasEveryTable(t *testing.T) {
	out := ListAll()
	for _, key := range []string{
		"tcpipv4", "tcpipv6", "udpipv4", "udpipv6",
		"icmpipv4", "icmpipv6", "rawipv4", "rawipv6", "dev",
	} {
		rows, ok := out[key]
		require.True(t, ok, "missing table %s", key)
		require.NotNil(t, rows)
	}
}
