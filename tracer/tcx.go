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
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// packetHeaderLen is the fixed part of struct packet_event before the
// variable snap buffer.
const packetHeaderLen = 24

// TcxProber attaches the two data-plane classifiers to every network
// interface and drains the packet ring buffer into the packet store.
type TcxProber struct {
	Coll   *ebpf.Collection
	Filter *Filter
	Store  *Store
	Period time.Duration

	links []link.Link

	startKT    uint64
	attachTime float64
}

// Attach enumerates links and installs the ingress and egress classifiers
// on each, taking over from any pre-existing program at the same hooks.
func (t *TcxProber) Attach() error {
	ingress := t.Coll.Programs["tcx_ingress"]
	egress := t.Coll.Programs["tcx_egress"]
	if ingress == nil || egress == nil {
		return fmt.Errorf("classifier programs missing from object")
	}

	ifaces, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("unable to enumerate interfaces: %w", err)
	}
	attached := 0
	for _, ifc := range ifaces {
		attrs := ifc.Attrs()
		in, err := link.AttachTCX(link.TCXOptions{
			Program:   ingress,
			Attach:    ebpf.AttachTCXIngress,
			Interface: attrs.Index,
			Anchor:    link.Head(),
		})
		if err != nil {
			log.Warnf("unable to attach ingress classifier on %s: %v", attrs.Name, err)
			continue
		}
		out, err := link.AttachTCX(link.TCXOptions{
			Program:   egress,
			Attach:    ebpf.AttachTCXEgress,
			Interface: attrs.Index,
			Anchor:    link.Head(),
		})
		if err != nil {
			in.Close()
			log.Warnf("unable to attach egress classifier on %s: %v", attrs.Name, err)
			continue
		}
		t.links = append(t.links, in, out)
		attached++
	}
	if attached == 0 {
		return fmt.Errorf("no interface accepted the classifiers")
	}
	t.attachTime = float64(time.Now().UnixNano()) / 1e9
	log.Infof("classifiers attached on %d interfaces", attached)
	return nil
}

// Detach removes the classifiers.
func (t *TcxProber) Detach() {
	for _, l := range t.links {
		l.Close()
	}
	t.links = nil
}

// Run consumes packet_events until ctx is cancelled, with the same commit
// cadence and clear-flag handling as the function prober.
func (t *TcxProber) Run(ctx context.Context) error {
	rd, err := ringbuf.NewReader(t.Coll.Maps["packet_events"])
	if err != nil {
		return err
	}
	defer rd.Close()
	go func() {
		<-ctx.Done()
		rd.Close()
	}()

	lastCommit := time.Now()
	for {
		rd.SetDeadline(time.Now().Add(t.Period))
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				t.Store.Commit()
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				t.Store.Commit()
				lastCommit = time.Now()
				continue
			}
			log.Errorf("packet ring read failed: %v", err)
			continue
		}

		t.handleRecord(record.RawSample)
		if time.Since(lastCommit) >= t.Period {
			t.Store.Commit()
			lastCommit = time.Now()
		}
	}
}

func (t *TcxProber) eventTime(kt uint64) float64 {
	if t.startKT == 0 {
		t.startKT = kt
	}
	return t.attachTime + float64(kt-t.startKT)/1e9
}

func (t *TcxProber) handleRecord(raw []byte) {
	if len(raw) < packetHeaderLen {
		eventsDropped.WithLabelValues("packets").Inc()
		return
	}
	order := hostByteOrder()
	kt := order.Uint64(raw[0:8])
	direction := int(order.Uint64(raw[8:16]))
	payloadLen := int(order.Uint64(raw[16:24]))
	snap := raw[packetHeaderLen:]
	if payloadLen < len(snap) {
		snap = snap[:payloadLen]
	}
	eventsDecoded.WithLabelValues("packets").Inc()
	t.persistPacket(t.eventTime(kt), direction, payloadLen, snap)
}

// persistPacket parses Ethernet → {IPv4, IPv6, other} → {TCP, UDP, ICMP,
// other} and writes into the table matching the family. A set filter
// discards any frame matching neither the forward nor the reverse
// direction; frames below the IP layer always persist.
func (t *TcxProber) persistPacket(ts float64, direction, payloadLen int, snap []byte) {
	pkt := gopacket.NewPacket(snap, layers.LayerTypeEthernet, gopacket.NoCopy)
	content := hex.EncodeToString(snap)
	f := t.Filter.Get()

	ip4, ok := pkt.NetworkLayer().(*layers.IPv4)
	if ok {
		srcip := ip4.SrcIP.String()
		dstip := ip4.DstIP.String()
		if !f.Empty() && !f.MatchesAddrs(srcip, dstip) {
			return
		}
		sport, dport := transportPorts(pkt)
		prot := int(ip4.Protocol)
		switch ip4.Protocol {
		case layers.IPProtocolTCP, layers.IPProtocolUDP:
			if !f.Empty() && !f.MatchesPorts(sport, dport) {
				return
			}
		case layers.IPProtocolICMPv4:
			sport, dport = 0, 0
		default:
			t.Store.Exec("INSERT INTO otherpackets VALUES(?,?,?,?,?)",
				ts, 0, direction, payloadLen, content)
			return
		}
		frag := make([]byte, 2)
		binary.BigEndian.PutUint16(frag, uint16(ip4.Flags)<<13|ip4.FragOffset)
		option := ""
		if hl := int(ip4.IHL) * 4; hl > 20 && len(ip4.Contents) >= hl {
			option = hex.EncodeToString(ip4.Contents[20:hl])
		}
		t.Store.Exec("INSERT INTO ipv4packets VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
			ts, 0, direction, payloadLen, content, srcip, dstip,
			sport, dport, prot, int(ip4.Id), int(ip4.TTL),
			hex.EncodeToString(frag), option)
		return
	}

	ip6, ok := pkt.NetworkLayer().(*layers.IPv6)
	if ok {
		srcip := BytesToIPv6(ip6.SrcIP.To16())
		dstip := BytesToIPv6(ip6.DstIP.To16())
		if !f.Empty() && !f.MatchesAddrs(srcip, dstip) {
			return
		}
		sport, dport := transportPorts(pkt)
		header := int(ip6.NextHeader)
		switch ip6.NextHeader {
		case layers.IPProtocolTCP, layers.IPProtocolUDP:
			if !f.Empty() && !f.MatchesPorts(sport, dport) {
				return
			}
		case layers.IPProtocolICMPv6:
			sport, dport = 0, 0
		default:
			t.Store.Exec("INSERT INTO otherpackets VALUES(?,?,?,?,?)",
				ts, 0, direction, payloadLen, content)
			return
		}
		t.Store.Exec("INSERT INTO ipv6packets VALUES(?,?,?,?,?,?,?,?,?,?)",
			ts, 0, direction, payloadLen, content, srcip, dstip,
			header, sport, dport)
		return
	}

	t.Store.Exec("INSERT INTO otherpackets VALUES(?,?,?,?,?)",
		ts, 0, direction, payloadLen, content)
}

func transportPorts(pkt gopacket.Packet) (sport, dport int) {
	switch l := pkt.TransportLayer().(type) {
	case *layers.TCP:
		return int(l.SrcPort), int(l.DstPort)
	case *layers.UDP:
		return int(l.SrcPort), int(l.DstPort)
	}
	return 0, 0
}

// kernFilter mirrors struct flow_filter in the generated program.
type kernFilter struct {
	Set    uint64
	Family uint64
	Sport  uint64
	Dport  uint64
	Saddr  uint32
	Daddr  uint32
	Saddr6 [16]byte
	Daddr6 [16]byte
}

// MirrorFilter pushes the tuple into the in-kernel filter map so the
// classifiers can pre-filter IPv4 flows without a trip to user space. The
// update is a single element store: probes observe it with at most one
// event of lag.
func MirrorFilter(coll *ebpf.Collection, t FiveTuple) {
	m := coll.Maps["flow_filter"]
	if m == nil {
		return
	}
	var kf kernFilter
	if !t.Empty() {
		kf.Sport = uint64(t.SrcPort)
		kf.Dport = uint64(t.DstPort)
		src := CanonicalIP(t.SrcIP)
		dst := CanonicalIP(t.DstIP)
		if v4s, v4d := parseV4Key(src), parseV4Key(dst); v4s != 0 || v4d != 0 {
			kf.Set = 1
			kf.Family = 4
			kf.Saddr = v4s
			kf.Daddr = v4d
		}
	}
	if err := m.Put(uint32(0), kf); err != nil {
		log.Warnf("unable to mirror filter into kernel: %v", err)
	}
}

// parseV4Key packs a dotted quad the way the classifier builds it from the
// header bytes: first octet in the high byte.
func parseV4Key(s string) uint32 {
	ip := parseDottedQuad(s)
	if ip == nil {
		return 0
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func parseDottedQuad(s string) []byte {
	var out []byte
	cur, digits := 0, 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if digits == 0 || cur > 255 || len(out) >= 4 {
				return nil
			}
			out = append(out, byte(cur))
			cur, digits = 0, 0
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return nil
		}
		cur = cur*10 + int(s[i]-'0')
		digits++
	}
	if len(out) != 4 {
		return nil
	}
	return out
}
