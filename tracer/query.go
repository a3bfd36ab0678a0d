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
	log "github.com/sirupsen/logrus"
)

// QueryEngine reconstructs per-flow traversals and packet captures from the
// two stores. Store errors are handled per the recovery policy: raise the
// clear flag to force a truncation pass and return empty for the current
// query.
type QueryEngine struct {
	Func   *Store
	Packet *Store
}

// Traversal is the ordered function event sequence of one send or receive.
type Traversal []FuncEvent

func (q *QueryEngine) funcFail(err error) {
	log.Errorf("function store query failed: %v", err)
	q.Func.RaiseClearFlag()
}

func (q *QueryEngine) packetFail(err error) {
	log.Errorf("packet store query failed: %v", err)
	q.Packet.RaiseClearFlag()
}

// FuncRecv reconstructs receive traversals for the tuple. For each network
// receive anchor matching the tuple it walks back to the latest link-layer
// anchor on the same task, forward to that anchor's exit, and returns every
// function event in between. Tuples are keyed in the outbound perspective.
func (q *QueryEngine) FuncRecv(srcip, dstip string, sport, dport int) []Traversal {
	var anchors []AnchorEvent
	err := q.Func.DB().Select(&anchors,
		`SELECT * FROM SpecfunctionCall WHERE ID IN (200000,200001)
		 AND srcport = ? AND dstport = ? AND srcip = ? AND dstip = ? ORDER BY time`,
		sport, dport, srcip, dstip)
	if err != nil {
		q.funcFail(err)
		return []Traversal{}
	}
	out := []Traversal{}
	for _, a := range anchors {
		if tr, ok := q.recvTraversal(a); ok {
			out = append(out, tr)
		}
	}
	return out
}

// recvTraversal resolves one receive anchor into its bracketing link-layer
// window. Latest-before and earliest-after win; a missing exit (task killed
// mid-traversal) omits the traversal.
func (q *QueryEngine) recvTraversal(a AnchorEvent) (Traversal, bool) {
	var link AnchorEvent
	err := q.Func.DB().Get(&link,
		`SELECT * FROM SpecfunctionCall WHERE ID > 299999 AND PID = ? AND time < ?
		 ORDER BY time DESC LIMIT 1`, a.PID, a.Time)
	if err != nil {
		return nil, false
	}
	var exit FuncEvent
	err = q.Func.DB().Get(&exit,
		`SELECT * FROM functionCall WHERE time > ? AND isRet = 1 AND ID = ? AND PID = ?
		 ORDER BY time LIMIT 1`, link.Time, link.ID, link.PID)
	if err != nil {
		return nil, false
	}
	var events Traversal
	err = q.Func.DB().Select(&events,
		`SELECT * FROM functionCall WHERE time >= ? AND time <= ? AND PID = ? ORDER BY time`,
		link.Time, exit.Time, link.PID)
	if err != nil || len(events) == 0 {
		return nil, false
	}
	return events, true
}

// FuncSend reconstructs send traversals: each transport send anchor spans
// from its entry to the first matching exit on the same task.
func (q *QueryEngine) FuncSend(srcip, dstip string, sport, dport int) []Traversal {
	var anchors []AnchorEvent
	err := q.Func.DB().Select(&anchors,
		`SELECT * FROM SpecfunctionCall WHERE ID IN (200002,200003,200004,200005,200006,200007)
		 AND srcport = ? AND dstport = ? AND srcip = ? AND dstip = ? ORDER BY time`,
		sport, dport, srcip, dstip)
	if err != nil {
		q.funcFail(err)
		return []Traversal{}
	}
	out := []Traversal{}
	for _, a := range anchors {
		if tr, ok := q.sendTraversal(a); ok {
			out = append(out, tr)
		}
	}
	return out
}

func (q *QueryEngine) sendTraversal(a AnchorEvent) (Traversal, bool) {
	var exit FuncEvent
	err := q.Func.DB().Get(&exit,
		`SELECT * FROM functionCall WHERE time > ? AND isRet = 1 AND ID = ? AND PID = ?
		 ORDER BY time LIMIT 1`, a.Time, a.ID, a.PID)
	if err != nil {
		return nil, false
	}
	var events Traversal
	err = q.Func.DB().Select(&events,
		`SELECT * FROM functionCall WHERE time >= ? AND time <= ? AND PID = ? ORDER BY time`,
		a.Time, exit.Time, a.PID)
	if err != nil || len(events) == 0 {
		return nil, false
	}
	return events, true
}

// PacketsV4 returns every captured IPv4 frame matching the tuple in the
// forward or reverse direction.
func (q *QueryEngine) PacketsV4(srcip, dstip string, sport, dport int) []IPv4Packet {
	rows := []IPv4Packet{}
	err := q.Packet.DB().Select(&rows,
		`SELECT * FROM ipv4packets
		 WHERE (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		    OR (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		 ORDER BY time`,
		sport, dport, srcip, dstip, dport, sport, dstip, srcip)
	if err != nil {
		q.packetFail(err)
		return []IPv4Packet{}
	}
	return rows
}

// PacketsV6 is the IPv6 variant of PacketsV4.
func (q *QueryEngine) PacketsV6(srcip, dstip string, sport, dport int) []IPv6Packet {
	rows := []IPv6Packet{}
	err := q.Packet.DB().Select(&rows,
		`SELECT * FROM ipv6packets
		 WHERE (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		    OR (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		 ORDER BY time`,
		sport, dport, srcip, dstip, dport, sport, dstip, srcip)
	if err != nil {
		q.packetFail(err)
		return []IPv6Packet{}
	}
	return rows
}

// RecentMaps returns up to limit receive and send traversals whose anchor
// time is >= since, newest first, matching the tuple in either direction.
func (q *QueryEngine) RecentMaps(srcip, dstip string, sport, dport, limit int, since float64) (recv, send []Traversal) {
	recv = q.recentTraversals(
		`SELECT * FROM SpecfunctionCall WHERE ID IN (200000,200001) AND time >= ?
		 AND ((srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		   OR (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?))
		 ORDER BY time DESC`,
		limit, q.recvTraversal, since, sport, dport, srcip, dstip, dport, sport, dstip, srcip)
	send = q.recentTraversals(
		`SELECT * FROM SpecfunctionCall WHERE ID IN (200002,200003,200004,200005,200006,200007) AND time >= ?
		 AND ((srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		   OR (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?))
		 ORDER BY time DESC`,
		limit, q.sendTraversal, since, sport, dport, srcip, dstip, dport, sport, dstip, srcip)
	return recv, send
}

func (q *QueryEngine) recentTraversals(query string, limit int, resolve func(AnchorEvent) (Traversal, bool), args ...interface{}) []Traversal {
	var anchors []AnchorEvent
	if err := q.Func.DB().Select(&anchors, query, args...); err != nil {
		q.funcFail(err)
		return []Traversal{}
	}
	out := []Traversal{}
	for _, a := range anchors {
		if tr, ok := resolve(a); ok {
			out = append(out, tr)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// RecentPacketsV4 returns up to limit IPv4 frames since the timestamp,
// newest first, matching forward or reverse.
func (q *QueryEngine) RecentPacketsV4(srcip, dstip string, sport, dport, limit int, since float64) []IPv4Packet {
	rows := []IPv4Packet{}
	err := q.Packet.DB().Select(&rows,
		`SELECT * FROM ipv4packets WHERE time > ?
		 AND ((srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		   OR (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?))
		 ORDER BY time DESC LIMIT ?`,
		since, sport, dport, srcip, dstip, dport, sport, dstip, srcip, limit)
	if err != nil {
		q.packetFail(err)
		return []IPv4Packet{}
	}
	return rows
}

// RecentPacketsV6 is the IPv6 variant of RecentPacketsV4.
func (q *QueryEngine) RecentPacketsV6(srcip, dstip string, sport, dport, limit int, since float64) []IPv6Packet {
	rows := []IPv6Packet{}
	err := q.Packet.DB().Select(&rows,
		`SELECT * FROM ipv6packets WHERE time > ?
		 AND ((srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?)
		   OR (srcport = ? AND dstport = ? AND srcip = ? AND dstip = ?))
		 ORDER BY time DESC LIMIT ?`,
		since, sport, dport, srcip, dstip, dport, sport, dstip, srcip, limit)
	if err != nil {
		q.packetFail(err)
		return []IPv6Packet{}
	}
	return rows
}
