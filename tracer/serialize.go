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

import "encoding/json"

// The query surface serves rows as positional arrays, matching the column
// order of the underlying tables.

// MarshalJSON renders a function event as [time, isRet, ID, PID].
func (e FuncEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.IsRet, e.ID, e.PID})
}

// MarshalJSON renders an IPv4 packet row in table column order.
func (p IPv4Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		p.Time, p.NetIF, p.Direction, p.Length, p.Content,
		p.SrcIP, p.DstIP, p.SrcPort, p.DstPort, p.Prot,
		p.IPID, p.TTL, p.Frag, p.Option,
	})
}

// MarshalJSON renders an IPv6 packet row in table column order.
func (p IPv6Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		p.Time, p.NetIF, p.Direction, p.Length, p.Content,
		p.SrcIP, p.DstIP, p.Header, p.SrcPort, p.DstPort,
	})
}
