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
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"
)

// U32ToIPv4 renders a kernel-order (little-endian on the wire reader side)
// u32 address as dotted quad. The kernel stores skc addresses in network
// order, so the low byte is the first octet.
func U32ToIPv4(addr uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d",
		addr&0xff, (addr>>8)&0xff, (addr>>16)&0xff, (addr>>24)&0xff)
}

// BytesToIPv4 renders four network-order bytes as dotted quad.
func BytesToIPv4(b []byte) string {
	if len(b) < 4 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// BytesToIPv6 renders sixteen bytes as eight lowercase colon groups, always
// fully expanded: the query layer compares these as plain strings.
func BytesToIPv6(b []byte) string {
	if len(b) < 16 {
		return ""
	}
	out := make([]byte, 0, 39)
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexdig[b[i]>>4], hexdig[b[i]&0xf], hexdig[b[i+1]>>4], hexdig[b[i+1]&0xf])
	}
	return string(out)
}

const hexdig = "0123456789abcdef"

// CanonicalIP normalizes user-supplied addresses into the same textual form
// the probers persist: dotted quad for v4, fully expanded lowercase groups
// for v6. IPv6-mapped IPv4 addresses stay IPv6. Invalid input returns the
// empty string.
func CanonicalIP(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil && !isV6Notation(s) {
		return v4.String()
	}
	return BytesToIPv6(ip.To16())
}

func isV6Notation(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}

func hostByteOrder() binary.ByteOrder {
	var i int32 = 0x01020304
	b := *(*byte)(unsafe.Pointer(&i))
	if b == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
