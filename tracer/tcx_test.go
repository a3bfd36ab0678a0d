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
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func newTestTcx(t *testing.T) *TcxProber {
	t.Helper()
	store, err := OpenPacketStore(t.TempDir())
	require.Nil(t, err)
	t.Cleanup(func() { store.Close() })
	return &TcxProber{
		Filter:     NewFilter(),
		Store:      store,
		attachTime: 1000.0,
	}
}

func buildFrame(t *testing.T, nl gopacket.SerializableLayer, tl gopacket.SerializableLayer) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC: net.HardwareAddr{6, 7, 8, 9, 10, 11},
	}
	switch nl.(type) {
	case *layers.IPv4:
		eth.EthernetType = layers.EthernetTypeIPv4
	case *layers.IPv6:
		eth.EthernetType = layers.EthernetTypeIPv6
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: false}
	var err error
	if tl != nil {
		err = gopacket.SerializeLayers(buf, opts, eth, nl, tl, gopacket.Payload("hello"))
	} else {
		err = gopacket.SerializeLayers(buf, opts, eth, nl, gopacket.Payload("hello"))
	}
	require.Nil(t, err)
	return buf.Bytes()
}

func udpV4Frame(t *testing.T, src, dst string, sport, dport int) []byte {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       7,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)
	return buildFrame(t, ip, udp)
}

func TestPersistPacketIPv4UDP(t *testing.T) {
	tx := newTestTcx(t)
	frame := udpV4Frame(t, "127.0.0.1", "127.0.0.1", 45290, 43483)
	tx.persistPacket(10.0, DirEgress, len(frame), frame)
	tx.Store.Commit()

	var rows []IPv4Packet
	require.Nil(t, tx.Store.DB().Select(&rows, "SELECT * FROM ipv4packets"))
	require.Equal(t, 1, len(rows))
	r := rows[0]
	require.Equal(t, "127.0.0.1", r.SrcIP)
	require.Equal(t, "127.0.0.1", r.DstIP)
	require.Equal(t, 45290, r.SrcPort)
	require.Equal(t, 43483, r.DstPort)
	require.Equal(t, ProtoUDP, r.Prot)
	require.Equal(t, 64, r.TTL)
	require.Equal(t, 7, r.IPID)
	require.Equal(t, DirEgress, r.Direction)
	require.NotEmpty(t, r.Content)
}

func TestPersistPacketFilterDiscardsMismatch(t *testing.T) {
	tx := newTestTcx(t)
	tx.Filter.Set(FiveTuple{SrcIP: "8.8.8.8", DstIP: "9.9.9.9", SrcPort: 1, DstPort: 2})

	frame := udpV4Frame(t, "127.0.0.1", "127.0.0.1", 45290, 43483)
	tx.persistPacket(10.0, DirEgress, len(frame), frame)
	tx.Store.Commit()

	var n int
	require.Nil(t, tx.Store.DB().Get(&n, "SELECT COUNT(*) FROM ipv4packets"))
	require.Equal(t, 0, n)
}

func TestPersistPacketFilterAcceptsReverse(t *testing.T) {
	tx := newTestTcx(t)
	tx.Filter.Set(FiveTuple{SrcIP: "127.0.0.1", DstIP: "127.0.0.1", SrcPort: 45290, DstPort: 43483})

	// the reverse direction of the filter still persists
	frame := udpV4Frame(t, "127.0.0.1", "127.0.0.1", 43483, 45290)
	tx.persistPacket(10.0, DirIngress, len(frame), frame)
	tx.Store.Commit()

	var n int
	require.Nil(t, tx.Store.DB().Get(&n, "SELECT COUNT(*) FROM ipv4packets"))
	require.Equal(t, 1, n)
}

func TestPersistPacketIPv6TCP(t *testing.T) {
	tx := newTestTcx(t)
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 443, DstPort: 51000}
	tcp.SetNetworkLayerForChecksum(ip)
	frame := buildFrame(t, ip, tcp)

	tx.persistPacket(10.0, DirIngress, len(frame), frame)
	tx.Store.Commit()

	var rows []IPv6Packet
	require.Nil(t, tx.Store.DB().Select(&rows, "SELECT * FROM ipv6packets"))
	require.Equal(t, 1, len(rows))
	require.Equal(t, "2001:0db8:0000:0000:0000:0000:0000:0001", rows[0].SrcIP)
	require.Equal(t, ProtoTCP, rows[0].Header)
	require.Equal(t, 443, rows[0].SrcPort)
	require.Equal(t, 51000, rows[0].DstPort)

	// family separation: nothing landed in the v4 table
	var n int
	require.Nil(t, tx.Store.DB().Get(&n, "SELECT COUNT(*) FROM ipv4packets"))
	require.Equal(t, 0, n)
}

func TestPersistPacketNonIPGoesToOther(t *testing.T) {
	tx := newTestTcx(t)
	arp := []byte{
		6, 7, 8, 9, 10, 11, 0, 1, 2, 3, 4, 5, // dst, src mac
		0x08, 0x06, // ARP ethertype
		0, 1, 8, 0, 6, 4, 0, 1,
	}
	tx.persistPacket(10.0, DirIngress, len(arp), arp)
	tx.Store.Commit()

	var n int
	require.Nil(t, tx.Store.DB().Get(&n, "SELECT COUNT(*) FROM otherpackets"))
	require.Equal(t, 1, n)
}

func TestParseV4Key(t *testing.T) {
	require.Equal(t, uint32(0x7f000001), parseV4Key("127.0.0.1"))
	require.Equal(t, uint32(0x08080404), parseV4Key("8.8.4.4"))
	require.Equal(t, uint32(0), parseV4Key("not-an-ip"))
	require.Equal(t, uint32(0), parseV4Key("1.2.3"))
	require.Equal(t, uint32(0), parseV4Key("999.1.1.1"))
}
