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

import "time"

// Protocol numbers understood by the flow filter.
const (
	ProtoICMPv4 = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

// Anchor function ids. Ids below 200000 are assigned from BTF type ids at
// discovery time; the two fixed ranges are reserved for the functions where
// a five-tuple (or, for the link range, task identity) is reliably
// recoverable in kernel context.
const (
	AnchorIPRcvCore    = 200000 // ip_rcv_core, receive, network layer
	AnchorIP6RcvCore   = 200001 // ip6_rcv_core
	AnchorICMPPush     = 200002 // icmp_push_reply, send
	AnchorRawV6Send    = 200003 // rawv6_sendmsg
	AnchorRawSend      = 200004 // raw_sendmsg
	AnchorUDPSend      = 200005 // udp_sendmsg
	AnchorUDPV6Send    = 200006 // udpv6_sendmsg
	AnchorTCPSend      = 200007 // tcp_sendmsg
	AnchorIPRcv        = 300000 // ip_rcv, link layer
	AnchorIPV6Rcv      = 300001 // ipv6_rcv
	AnchorIPListRcv    = 300002 // ip_list_rcv
	AnchorIPV6ListRcv  = 300003 // ipv6_list_rcv
	anchorRangeStart   = 200000
	linkAnchorStart    = 300000
	sendAnchorRangeEnd = 200007
)

// AnchorNames maps the fixed anchor ids to kernel function names.
var AnchorNames = map[uint64]string{
	AnchorIPRcvCore:   "ip_rcv_core",
	AnchorIP6RcvCore:  "ip6_rcv_core",
	AnchorICMPPush:    "icmp_push_reply",
	AnchorRawV6Send:   "rawv6_sendmsg",
	AnchorRawSend:     "raw_sendmsg",
	AnchorUDPSend:     "udp_sendmsg",
	AnchorUDPV6Send:   "udpv6_sendmsg",
	AnchorTCPSend:     "tcp_sendmsg",
	AnchorIPRcv:       "ip_rcv",
	AnchorIPV6Rcv:     "ipv6_rcv",
	AnchorIPListRcv:   "ip_list_rcv",
	AnchorIPV6ListRcv: "ipv6_list_rcv",
}

// IsAnchor reports whether id falls in one of the two reserved ranges.
func IsAnchor(id uint64) bool {
	return id >= anchorRangeStart
}

// IsLinkAnchor reports whether id is a link-layer identity anchor.
func IsLinkAnchor(id uint64) bool {
	return id >= linkAnchorStart
}

// IsSendAnchor reports whether id is one of the transport send anchors.
func IsSendAnchor(id uint64) bool {
	return id >= AnchorICMPPush && id <= sendAnchorRangeEnd
}

// IsRecvAnchor reports whether id is one of the receive network anchors.
func IsRecvAnchor(id uint64) bool {
	return id == AnchorIPRcvCore || id == AnchorIP6RcvCore
}

// FuncRecord is one kernel function selected for probing. ID is the BTF type
// id of the FUNC node and stays stable for the lifetime of the trace, which
// is what the query layer keys on.
type FuncRecord struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// Config carries everything needed to set up the tracing pipeline.
type Config struct {
	LogLevel string

	// CacheDir holds the generated program, the compiled object, the
	// function id map and both sqlite databases.
	CacheDir string

	// Clang is the compiler used for the generated program text.
	Clang string
	// Bpftool produces the vmlinux.h the generated program includes.
	Bpftool string

	// SnapLen is the number of leading frame bytes the data-plane
	// classifiers copy out per packet.
	SnapLen int

	// CommitPeriod is the store commit cadence for both consumers.
	CommitPeriod time.Duration

	// ListenAddr is the query surface address.
	ListenAddr string
	// AnalyzerAddr is the live analyzer WebSocket address.
	AnalyzerAddr string
	// LocatorAddr is the hop-path tracer API address.
	LocatorAddr string

	ExporterListen string
	Exporter       bool
}

// FuncEvent is one row of the functionCall table.
type FuncEvent struct {
	Time  float64 `db:"time" json:"time"`
	IsRet int     `db:"isRet" json:"isRet"`
	ID    uint64  `db:"ID" json:"id"`
	PID   uint32  `db:"PID" json:"pid"`
}

// AnchorEvent is one row of the SpecfunctionCall table. The address pair is
// kept in the outbound perspective: for receive anchors the kernel sees
// src/dst from the remote sender, so the prober swaps them before persisting
// and every query keys by the local-out direction.
type AnchorEvent struct {
	FuncEvent
	Family  int    `db:"family" json:"family"`
	SrcPort int    `db:"srcport" json:"srcport"`
	DstPort int    `db:"dstport" json:"dstport"`
	SrcIP   string `db:"srcip" json:"srcip"`
	DstIP   string `db:"dstip" json:"dstip"`
	Pkt     string `db:"pkt" json:"pkt"`
}

// Direction of a captured frame.
const (
	DirIngress = 0
	DirEgress  = 1
)

// IPv4Packet is one row of the ipv4packets table.
type IPv4Packet struct {
	Time      float64 `db:"time" json:"time"`
	NetIF     int     `db:"netif" json:"netif"`
	Direction int     `db:"direction" json:"direction"`
	Length    int     `db:"length" json:"length"`
	Content   string  `db:"content" json:"content"`
	SrcIP     string  `db:"srcip" json:"srcip"`
	DstIP     string  `db:"dstip" json:"dstip"`
	SrcPort   int     `db:"srcport" json:"srcport"`
	DstPort   int     `db:"dstport" json:"dstport"`
	Prot      int     `db:"prot" json:"prot"`
	IPID      int     `db:"ipid" json:"ipid"`
	TTL       int     `db:"ttl" json:"ttl"`
	Frag      string  `db:"frag" json:"frag"`
	Option    string  `db:"option" json:"option"`
}

// IPv6Packet is one row of the ipv6packets table.
type IPv6Packet struct {
	Time      float64 `db:"time" json:"time"`
	NetIF     int     `db:"netif" json:"netif"`
	Direction int     `db:"direction" json:"direction"`
	Length    int     `db:"length" json:"length"`
	Content   string  `db:"content" json:"content"`
	SrcIP     string  `db:"srcip" json:"srcip"`
	DstIP     string  `db:"dstip" json:"dstip"`
	Header    int     `db:"header" json:"header"`
	SrcPort   int     `db:"srcport" json:"srcport"`
	DstPort   int     `db:"dstport" json:"dstport"`
}

// OtherPacket is one row of the otherpackets table.
type OtherPacket struct {
	Time      float64 `db:"time" json:"time"`
	NetIF     int     `db:"netif" json:"netif"`
	Direction int     `db:"direction" json:"direction"`
	Length    int     `db:"length" json:"length"`
	Content   string  `db:"content" json:"content"`
}
