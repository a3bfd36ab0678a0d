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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// tcpStates follows the kernel's numeric TCP-state convention; snapshot
// rows render them as "NN(STATE)".
var tcpStates = map[int64]string{
	1:  "01(ESTABLISHED)",
	2:  "02(SYN_SENT)",
	3:  "03(SYN_RECV)",
	4:  "04(FIN_WAIT1)",
	5:  "05(FIN_WAIT2)",
	6:  "06(TIME_WAIT)",
	7:  "07(CLOSE)",
	8:  "08(CLOSE_WAIT)",
	9:  "09(LAST_ACK)",
	10: "0A(LISTEN)",
	11: "0B(CLOSING)",
}

func stateLabel(st int64) string {
	if s, ok := tcpStates[st]; ok {
		return s
	}
	return fmt.Sprintf("%d(UNDEFINED)", st)
}

// decodeV4Endpoint turns the proc hex form "0100007F:1F90" into
// "127.0.0.1:8080". The address is stored little-endian byte-grouped.
func decodeV4Endpoint(s string) (string, error) {
	host, port, ok := strings.Cut(s, ":")
	if !ok || len(host) != 8 {
		return "", fmt.Errorf("malformed v4 endpoint %q", s)
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(host[i*2:i*2+2], 16, 8)
		if err != nil {
			return "", err
		}
		// groups are reversed: lowest-addressed byte is the last octet
		b[3-i] = byte(v)
	}
	p, err := strconv.ParseUint(port, 16, 32)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", b[0], b[1], b[2], b[3], p), nil
}

// decodeV6Endpoint keeps the proc hex grouping, lowercased, with the port
// appended: "00000000000000000000000001000000:0035" →
// "0000:0000:0000:0000:0000:0000:0100:0000:53".
func decodeV6Endpoint(s string) (string, error) {
	host, port, ok := strings.Cut(s, ":")
	if !ok || len(host) != 32 {
		return "", fmt.Errorf("malformed v6 endpoint %q", s)
	}
	host = strings.ToLower(host)
	var groups []string
	for i := 0; i < 32; i += 4 {
		groups = append(groups, host[i:i+4])
	}
	p, err := strconv.ParseUint(port, 16, 32)
	if err != nil {
		return "", err
	}
	return strings.Join(groups, ":") + ":" + strconv.FormatUint(p, 10), nil
}

// SockRow is one snapshot row: [time, id, local, remote, state].
type SockRow []interface{}

func snapshotTable(path string, v6 bool, now float64) ([]SockRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decode := decodeV4Endpoint
	if v6 {
		decode = decodeV6Endpoint
	}
	rows := []SockRow{}
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		local, err := decode(fields[1])
		if err != nil {
			continue
		}
		remote, err := decode(fields[2])
		if err != nil {
			continue
		}
		st, err := strconv.ParseInt(fields[3], 16, 32)
		if err != nil {
			continue
		}
		rows = append(rows, SockRow{now, strings.TrimSuffix(fields[0], ":"), local, remote, stateLabel(st)})
	}
	return rows, sc.Err()
}

func snapshotDevs(now float64) ([]SockRow, error) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows := []SockRow{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if line <= 2 {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, SockRow{now, strings.TrimSuffix(fields[0], ":")})
	}
	return rows, sc.Err()
}

// InterfaceNames lists interface names from the proc device table.
func InterfaceNames() ([]string, error) {
	rows, err := snapshotDevs(0)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r[1].(string))
	}
	return names, nil
}

// ListAll snapshots every active socket table (TCP/UDP/ICMP/raw, v4/v6)
// plus the device list. A missing proc table contributes an empty slice,
// never an error: ICMP sockets do not exist on every kernel.
func ListAll() map[string][]SockRow {
	now := float64(time.Now().UnixNano()) / 1e9
	tables := []struct {
		key  string
		path string
		v6   bool
	}{
		{"tcpipv4", "/proc/net/tcp", false},
		{"tcpipv6", "/proc/net/tcp6", true},
		{"udpipv4", "/proc/net/udp", false},
		{"udpipv6", "/proc/net/udp6", true},
		{"icmpipv4", "/proc/net/icmp", false},
		{"icmpipv6", "/proc/net/icmp6", true},
		{"rawipv4", "/proc/net/raw", false},
		{"rawipv6", "/proc/net/raw6", true},
	}
	out := make(map[string][]SockRow, len(tables)+1)
	for _, t := range tables {
		rows, err := snapshotTable(t.path, t.v6, now)
		if err != nil {
			rows = []SockRow{}
		}
		out[t.key] = rows
	}
	devs, err := snapshotDevs(now)
	if err != nil {
		devs = []SockRow{}
	}
	out["dev"] = devs
	return out
}
