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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/btf"
	log "github.com/sirupsen/logrus"
)

// closureDepth caps the fixed-point expansion from sk_buff. Five rounds keep
// both discovery time and the resulting probe count bounded.
const closureDepth = 5

// funcKeywords: a candidate name must contain at least one of these.
var funcKeywords = []string{"tcp", "udp", "icmp", "recv", "send", "xmit", "ip", "sk", "sock"}

// funcDenylist holds functions known to trip the verifier, to recurse inside
// the probe path, or to dominate the trace without carrying flow
// information.
var funcDenylist = map[string]bool{
	"____sys_recvmsg": true, "___sys_recvmsg": true, "sock_recvmsg": true,
	"security_socket_recvmsg": true, "apparmor_socket_recvmsg": true,
	"unix_stream_recvmsg": true, "consume_skb": true,
	"__skb_datagram_iter": true, "skb_copy_datagram_iter": true,
	"skb_put": true, "skb_release_data": true, "skb_release_head_state": true,
	"kfree_skbmem": true, "skb_free_head": true, "__build_skb_around": true,
	"sock_def_readable": true, "skb_queue_tail": true,
	"sock_alloc_send_pskb": true, "skb_set_owner_w": true, "sock_wfree": true,
	"skb_copy_datagram_from_iter": true, "unix_scm_to_skb": true,
	"skb_unlink": true, "apparmor_socket_sendmsg": true,
	"security_socket_sendmsg": true, "security_socket_getpeersec_dgram": true,
	"____sys_sendmsg": true, "___sys_sendmsg": true,
	"unix_stream_sendmsg": true, "tcp_poll": true,
	"tcp_stream_memory_free": true, "lock_sock_nested": true,
	"tcp_release_cb": true, "map_sock_addr": true,
	"security_socket_getpeername": true, "inet_label_sock_perm": true,
	"aa_inet_sock_perm": true, "apparmor_socket_getpeername": true,
	"sock_do_ioctl": true, "udp_poll": true,
}

// anchorSet: anchors carry fixed ids and specialised probe bodies, so they
// are excluded from the generic candidate list.
var anchorSet = func() map[string]bool {
	m := make(map[string]bool, len(AnchorNames))
	for _, name := range AnchorNames {
		m[name] = true
	}
	return m
}()

// nameSelected applies the keyword filter, the denylist and the bpf
// self-trace exclusion.
func nameSelected(name string) bool {
	if strings.Contains(name, "bpf") || funcDenylist[name] || anchorSet[name] {
		return false
	}
	for _, kw := range funcKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// LoadKernelBTF reads the running kernel's type graph.
func LoadKernelBTF() (*btf.Spec, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("unable to load kernel BTF: %w", err)
	}
	return spec, nil
}

// skbClosure computes the set of types reachable from sk_buff within
// closureDepth rounds, following STRUCT member and ARRAY/PTR/CONST/VOLATILE
// reference edges.
func skbClosure(spec *btf.Spec) (map[btf.Type]bool, error) {
	roots, err := spec.AnyTypesByName("sk_buff")
	if err != nil || len(roots) == 0 {
		return nil, fmt.Errorf("sk_buff not present in BTF: %w", err)
	}
	reachable := make(map[btf.Type]bool)
	for _, r := range roots {
		reachable[r] = true
	}

	for depth := 0; depth < closureDepth; depth++ {
		updated := false
		iter := spec.Iterate()
		for iter.Next() {
			t := iter.Type
			if reachable[t] {
				continue
			}
			switch v := t.(type) {
			case *btf.Struct:
				for _, m := range v.Members {
					if reachable[m.Type] {
						reachable[t] = true
						updated = true
						break
					}
				}
			case *btf.Pointer:
				if reachable[v.Target] {
					reachable[t] = true
					updated = true
				}
			case *btf.Array:
				if reachable[v.Type] {
					reachable[t] = true
					updated = true
				}
			case *btf.Const:
				if reachable[v.Type] {
					reachable[t] = true
					updated = true
				}
			case *btf.Volatile:
				if reachable[v.Type] {
					reachable[t] = true
					updated = true
				}
			}
		}
		if !updated {
			break
		}
	}
	return reachable, nil
}

// DiscoverFunctions enumerates kernel functions with at least one parameter
// whose type is reachable from sk_buff, filtered by name. The returned ids
// are BTF type ids and stay below the reserved anchor ranges.
func DiscoverFunctions(spec *btf.Spec) ([]FuncRecord, error) {
	reachable, err := skbClosure(spec)
	if err != nil {
		return nil, err
	}

	var funcs []FuncRecord
	iter := spec.Iterate()
	for iter.Next() {
		fn, ok := iter.Type.(*btf.Func)
		if !ok {
			continue
		}
		proto, ok := fn.Type.(*btf.FuncProto)
		if !ok {
			continue
		}
		hit := false
		for _, p := range proto.Params {
			if reachable[p.Type] {
				hit = true
				break
			}
		}
		if !hit || !nameSelected(fn.Name) {
			continue
		}
		id, err := spec.TypeID(fn)
		if err != nil {
			continue
		}
		funcs = append(funcs, FuncRecord{ID: uint64(id), Name: fn.Name})
	}
	if len(funcs) == 0 {
		return nil, fmt.Errorf("BTF discovery produced an empty candidate set")
	}
	log.Infof("BTF discovery selected %d kernel functions", len(funcs))
	return funcs, nil
}

// WriteFuncIDMap persists the id→record map, extended with the fixed anchor
// ids, for the query layer and GET /GetFuncTable.
func WriteFuncIDMap(cacheDir string, funcs []FuncRecord) error {
	m := make(map[string]FuncRecord, len(funcs)+len(AnchorNames))
	for _, f := range funcs {
		m[strconv.FormatUint(f.ID, 10)] = f
	}
	for id, name := range AnchorNames {
		m[strconv.FormatUint(id, 10)] = FuncRecord{ID: id, Name: name}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("unable to marshal func id map: %w", err)
	}
	path := filepath.Join(cacheDir, "FuncIDMap.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("unable to write %s: %w", path, err)
	}
	return nil
}

// ReadFuncIDMap loads the persisted id→record map.
func ReadFuncIDMap(cacheDir string) (map[string]FuncRecord, error) {
	data, err := os.ReadFile(filepath.Join(cacheDir, "FuncIDMap.json"))
	if err != nil {
		return nil, fmt.Errorf("unable to read func id map: %w", err)
	}
	m := make(map[string]FuncRecord)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unable to parse func id map: %w", err)
	}
	return m, nil
}
