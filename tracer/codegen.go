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
	"fmt"
	"strings"
)

// The probe program is emitted as a single C translation unit at runtime:
// different kernels expose different symbols, so the function set cannot be
// baked into the binary. The unit is compiled against a vmlinux.h dumped
// from the running kernel, which pins every struct offset to the kernel we
// are about to attach to.

// SnapLenDefault is the number of leading frame bytes the classifiers copy.
const SnapLenDefault = 256

// programPrelude carries the helper declarations the generated unit needs on
// top of vmlinux.h, plus the shared event structs and maps.
const programPrelude = `#include "vmlinux.h"

char _license[] __attribute__((section("license"), used)) = "GPL";

#define SEC(name) __attribute__((section(name), used))
#define __uint(name, val) int (*name)[val]
#define __always_inline inline __attribute__((always_inline))

#define AF_INET  2
#define AF_INET6 10
#define TC_ACT_OK 0
#define SNAP_LEN %d

static __u64 (*bpf_ktime_get_ns)(void) = (void *)5;
static __u64 (*bpf_get_current_pid_tgid)(void) = (void *)14;
static void *(*bpf_map_lookup_elem)(void *map, const void *key) = (void *)1;
static long (*bpf_probe_read_kernel)(void *dst, __u32 size, const void *ptr) = (void *)113;
static long (*bpf_skb_load_bytes)(const void *skb, __u32 offset, void *to, __u32 len) = (void *)26;
static void *(*bpf_ringbuf_reserve)(void *ringbuf, __u64 size, __u64 flags) = (void *)131;
static void (*bpf_ringbuf_submit)(void *data, __u64 flags) = (void *)132;

#if defined(__TARGET_ARCH_arm64)
#define PT_REGS_PARM1(x) ((x)->regs[0])
#else
#define PT_REGS_PARM1(x) ((x)->di)
#endif

struct sk_probe {
	__u32 pid;
	__u32 pad;
	__u64 kernel_time;
	__u64 func_id;
	__u64 is_ret;
	__u64 family;
	__u64 dport;
	__u64 lport;
	__u32 saddr_v4;
	__u32 daddr_v4;
	__u8 saddr_v6[16];
	__u8 daddr_v6[16];
};

struct packet_event {
	__u64 timestamp;
	__u64 direction;
	__u64 payloadlen;
	__u8 payload[SNAP_LEN];
};

struct flow_filter {
	__u64 set;
	__u64 family;
	__u64 sport;
	__u64 dport;
	__u32 saddr;
	__u32 daddr;
	__u8 saddr6[16];
	__u8 daddr6[16];
};

struct {
	__uint(type, BPF_MAP_TYPE_RINGBUF);
	__uint(max_entries, 1 << 24);
} events SEC(".maps");

struct {
	__uint(type, BPF_MAP_TYPE_RINGBUF);
	__uint(max_entries, 1 << 22);
} packet_events SEC(".maps");

struct {
	__uint(type, BPF_MAP_TYPE_ARRAY);
	__uint(max_entries, 1);
	__uint(key_size, sizeof(__u32));
	__uint(value_size, sizeof(struct flow_filter));
} flow_filter SEC(".maps");

struct {
	__uint(type, BPF_MAP_TYPE_ARRAY);
	__uint(max_entries, 2);
	__uint(key_size, sizeof(__u32));
	__uint(value_size, sizeof(__u64));
} drop_counters SEC(".maps");

static __always_inline void count_drop(__u32 which)
{
	__u64 *cnt = bpf_map_lookup_elem(&drop_counters, &which);
	if (cnt)
		__sync_fetch_and_add(cnt, 1);
}

static __always_inline struct sk_probe *reserve_event(__u64 func_id, __u64 is_ret)
{
	struct sk_probe *data = bpf_ringbuf_reserve(&events, sizeof(struct sk_probe), 0);
	if (!data) {
		count_drop(0);
		return 0;
	}
	data->pid = (__u32)bpf_get_current_pid_tgid();
	data->kernel_time = bpf_ktime_get_ns();
	data->func_id = func_id;
	data->is_ret = is_ret;
	data->family = 0;
	data->dport = 0;
	data->lport = 0;
	return data;
}

static __always_inline void fill_sock_tuple(struct sk_probe *data, struct sock *sk)
{
	__u16 dport = 0, lport = 0, family = 0;

	bpf_probe_read_kernel(&dport, sizeof(dport), &sk->__sk_common.skc_dport);
	bpf_probe_read_kernel(&lport, sizeof(lport), &sk->__sk_common.skc_num);
	bpf_probe_read_kernel(&family, sizeof(family), &sk->__sk_common.skc_family);
	data->dport = (dport >> 8) | ((dport << 8) & 0xff00);
	data->lport = lport;
	if (family == AF_INET6) {
		data->family = 6;
		bpf_probe_read_kernel(&data->daddr_v6, 16, &sk->__sk_common.skc_v6_daddr);
		bpf_probe_read_kernel(&data->saddr_v6, 16, &sk->__sk_common.skc_v6_rcv_saddr);
	} else {
		data->family = 4;
		bpf_probe_read_kernel(&data->daddr_v4, 4, &sk->__sk_common.skc_daddr);
		bpf_probe_read_kernel(&data->saddr_v4, 4, &sk->__sk_common.skc_rcv_saddr);
	}
}

/* ip_rcv_core and ip6_rcv_core see the skb after the link layer is
 * stripped: skb->data points at the L3 header. */
static __always_inline void fill_skb_tuple(struct sk_probe *data, struct sk_buff *skb)
{
	unsigned char *head = 0;
	__u8 hdr[60];

	bpf_probe_read_kernel(&head, sizeof(head), &skb->data);
	if (!head)
		return;
	if (bpf_probe_read_kernel(hdr, sizeof(hdr), head) < 0)
		return;
	if ((hdr[0] & 0xf0) == 0x40) {
		__u32 ihl = (hdr[0] & 0x0f) * 4;
		__u8 prot = hdr[9];
		if ((prot == 6 || prot == 17) && ihl + 4 <= sizeof(hdr)) {
			data->family = 4;
			data->saddr_v4 = ((__u32)hdr[15] << 24) | ((__u32)hdr[14] << 16) | ((__u32)hdr[13] << 8) | hdr[12];
			data->daddr_v4 = ((__u32)hdr[19] << 24) | ((__u32)hdr[18] << 16) | ((__u32)hdr[17] << 8) | hdr[16];
			data->lport = ((__u64)hdr[ihl] << 8) | hdr[ihl + 1];
			data->dport = ((__u64)hdr[ihl + 2] << 8) | hdr[ihl + 3];
		}
	} else if ((hdr[0] & 0xf0) == 0x60) {
		__u8 next = hdr[6];
		if (next == 6 || next == 17) {
			data->family = 6;
			bpf_probe_read_kernel(&data->saddr_v6, 16, head + 8);
			bpf_probe_read_kernel(&data->daddr_v6, 16, head + 24);
			data->lport = ((__u64)hdr[40] << 8) | hdr[41];
			data->dport = ((__u64)hdr[42] << 8) | hdr[43];
		}
	}
}
`

// anchor probes carrying a five-tuple from the sock argument
const sockAnchorTemplate = `
SEC("kprobe/%[1]s")
int ktprobe_%[1]s(struct pt_regs *ctx)
{
	struct sock *sk = (struct sock *)PT_REGS_PARM1(ctx);
	struct sk_probe *data = reserve_event(%[2]d, 0);
	if (!data)
		return 0;
	fill_sock_tuple(data, sk);
	bpf_ringbuf_submit(data, 0);
	return 0;
}

SEC("kretprobe/%[1]s")
int ktretprobe_%[1]s(struct pt_regs *ctx)
{
	struct sk_probe *data = reserve_event(%[2]d, 1);
	if (!data)
		return 0;
	bpf_ringbuf_submit(data, 0);
	return 0;
}
`

// anchor probes parsing the five-tuple out of the sk_buff argument
const skbAnchorTemplate = `
SEC("kprobe/%[1]s")
int ktprobe_%[1]s(struct pt_regs *ctx)
{
	struct sk_buff *skb = (struct sk_buff *)PT_REGS_PARM1(ctx);
	struct sk_probe *data = reserve_event(%[2]d, 0);
	if (!data)
		return 0;
	fill_skb_tuple(data, skb);
	bpf_ringbuf_submit(data, 0);
	return 0;
}

SEC("kretprobe/%[1]s")
int ktretprobe_%[1]s(struct pt_regs *ctx)
{
	struct sk_probe *data = reserve_event(%[2]d, 1);
	if (!data)
		return 0;
	bpf_ringbuf_submit(data, 0);
	return 0;
}
`

// link-layer anchors emit identity only: they bracket the start of a
// receive traversal, the network anchor supplies the tuple.
const identityAnchorTemplate = `
SEC("kprobe/%[1]s")
int ktprobe_%[1]s(struct pt_regs *ctx)
{
	struct sk_probe *data = reserve_event(%[2]d, 0);
	if (!data)
		return 0;
	bpf_ringbuf_submit(data, 0);
	return 0;
}

SEC("kretprobe/%[1]s")
int ktretprobe_%[1]s(struct pt_regs *ctx)
{
	struct sk_probe *data = reserve_event(%[2]d, 1);
	if (!data)
		return 0;
	bpf_ringbuf_submit(data, 0);
	return 0;
}
`

const classifierBody = `
static __always_inline int flow_admits_v4(struct __sk_buff *skb)
{
	__u32 zero = 0;
	struct flow_filter *f = bpf_map_lookup_elem(&flow_filter, &zero);
	__u8 hdr[38];

	if (!f || !f->set)
		return 1;
	if (f->family != 4)
		return 1; /* v6 and non-IP flows resolve in user space */
	if (bpf_skb_load_bytes(skb, 0, hdr, sizeof(hdr)) < 0)
		return 1;
	if ((((__u16)hdr[12] << 8) | hdr[13]) != 0x0800)
		return 1;
	{
		__u32 ihl = (hdr[14] & 0x0f) * 4;
		__u32 saddr = ((__u32)hdr[26] << 24) | ((__u32)hdr[27] << 16) | ((__u32)hdr[28] << 8) | hdr[29];
		__u32 daddr = ((__u32)hdr[30] << 24) | ((__u32)hdr[31] << 16) | ((__u32)hdr[32] << 8) | hdr[33];
		__u8 ports[4];
		__u16 sport, dport;

		if (bpf_skb_load_bytes(skb, 14 + ihl, ports, sizeof(ports)) < 0)
			return 1;
		sport = ((__u16)ports[0] << 8) | ports[1];
		dport = ((__u16)ports[2] << 8) | ports[3];
		if (saddr == f->saddr && daddr == f->daddr && sport == f->sport && dport == f->dport)
			return 1;
		if (saddr == f->daddr && daddr == f->saddr && sport == f->dport && dport == f->sport)
			return 1;
	}
	return 0;
}

static __always_inline int capture(struct __sk_buff *skb, __u64 direction)
{
	struct packet_event *e;
	__u64 len = skb->len;

	if (!flow_admits_v4(skb))
		return TC_ACT_OK;
	e = bpf_ringbuf_reserve(&packet_events, sizeof(struct packet_event), 0);
	if (!e) {
		count_drop(1);
		return TC_ACT_OK;
	}
	e->timestamp = bpf_ktime_get_ns();
	e->direction = direction;
	e->payloadlen = len;
	if (len > SNAP_LEN)
		len = SNAP_LEN;
	if (len > 0)
		bpf_skb_load_bytes(skb, 0, e->payload, len);
	bpf_ringbuf_submit(e, 0);
	return TC_ACT_OK;
}

SEC("tc")
int tcx_ingress(struct __sk_buff *skb)
{
	return capture(skb, 0);
}

SEC("tc")
int tcx_egress(struct __sk_buff *skb)
{
	return capture(skb, 1);
}
`

// generic probes record identity only, which keeps them cheap enough to
// attach by the thousand.
const genericProbeTemplate = `
SEC("kprobe/%[1]s")
int ktprobe_%[1]s(struct pt_regs *ctx)
{
	struct sk_probe *data = reserve_event(%[2]d, 0);
	if (!data)
		return 0;
	bpf_ringbuf_submit(data, 0);
	return 0;
}

SEC("kretprobe/%[1]s")
int ktretprobe_%[1]s(struct pt_regs *ctx)
{
	struct sk_probe *data = reserve_event(%[2]d, 1);
	if (!data)
		return 0;
	bpf_ringbuf_submit(data, 0);
	return 0;
}
`

// sockAnchors: send-side functions whose first argument is a sock *.
var sockAnchors = []uint64{
	AnchorICMPPush, AnchorRawV6Send, AnchorRawSend,
	AnchorUDPSend, AnchorUDPV6Send, AnchorTCPSend,
}

// skbAnchors: receive-side functions whose first argument is a sk_buff *
// with the L3 header already at data.
var skbAnchors = []uint64{AnchorIPRcvCore, AnchorIP6RcvCore}

// identityAnchors: link-layer receive entry points.
var identityAnchors = []uint64{
	AnchorIPRcv, AnchorIPV6Rcv, AnchorIPListRcv, AnchorIPV6ListRcv,
}

// GenerateSource emits the whole probe program for the given candidate set.
// Anchors are always included; candidates colliding with an anchor name were
// already excluded at discovery time.
func GenerateSource(funcs []FuncRecord, snapLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, programPrelude, snapLen)
	for _, id := range skbAnchors {
		fmt.Fprintf(&b, skbAnchorTemplate, AnchorNames[id], id)
	}
	for _, id := range sockAnchors {
		fmt.Fprintf(&b, sockAnchorTemplate, AnchorNames[id], id)
	}
	for _, id := range identityAnchors {
		fmt.Fprintf(&b, identityAnchorTemplate, AnchorNames[id], id)
	}
	b.WriteString(classifierBody)
	for _, f := range funcs {
		fmt.Fprintf(&b, genericProbeTemplate, f.Name, f.ID)
	}
	return b.String()
}

// ProbeNames returns the entry and exit program names emitted for a kernel
// function.
func ProbeNames(fn string) (entry, exit string) {
	return "ktprobe_" + fn, "ktretprobe_" + fn
}
