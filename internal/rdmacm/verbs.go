package rdmacm

/*
#include "shim.h"
#include <stdlib.h>

static struct ibv_qp_init_attr mv_qp_init_attr(struct ibv_cq *send_cq, struct ibv_cq *recv_cq,
                                                int max_send_wr, int max_recv_wr) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq = send_cq;
	attr.recv_cq = recv_cq;
	attr.qp_type = IBV_QPT_RC;
	attr.sq_sig_all = 0;
	attr.cap.max_send_wr = max_send_wr;
	attr.cap.max_recv_wr = max_recv_wr;
	attr.cap.max_send_sge = 1;
	attr.cap.max_recv_sge = 1;
	return attr;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// VerbsContext wraps the device context backing an established or
// resolving CM id (struct ibv_context). One per physical HCA port in use.
type VerbsContext struct {
	native *C.struct_ibv_context
}

// AllocPD allocates a protection domain, the scope within which memory
// regions and queue pairs must agree to interoperate.
func (v *VerbsContext) AllocPD() (*PD, error) {
	pd := C.ibv_alloc_pd(v.native)
	if pd == nil {
		return nil, fmt.Errorf("ibv_alloc_pd failed")
	}
	return &PD{native: pd, verbs: v}, nil
}

// CreateCompChannel allocates a completion channel for notification-driven
// CQ polling (spec.md §4.3's completion poller task blocks here between
// batches rather than busy-polling).
func (v *VerbsContext) CreateCompChannel() (*CompChannel, error) {
	cc := C.ibv_create_comp_channel(v.native)
	if cc == nil {
		return nil, fmt.Errorf("ibv_create_comp_channel failed")
	}
	return &CompChannel{native: cc}, nil
}

// CreateCQ allocates a completion queue of the given depth, associated
// with channel for event-driven notification.
func (v *VerbsContext) CreateCQ(channel *CompChannel, entries int) (*CQ, error) {
	cq := C.ibv_create_cq(v.native, C.int(entries), nil, channel.native, 0)
	if cq == nil {
		return nil, fmt.Errorf("ibv_create_cq failed")
	}
	return &CQ{native: cq}, nil
}

// PD is a protection domain (struct ibv_pd).
type PD struct {
	native *C.struct_ibv_pd
	verbs  *VerbsContext
}

// RegisterMR registers the memory at [addr, addr+length) with this PD.
// remoteRead grants IBV_ACCESS_REMOTE_READ in addition to local read/write,
// which H's pod page needs (C issues RDMA READ against it) but C's own
// sink buffers do not (spec.md §4.1, §4.3).
func (pd *PD) RegisterMR(addr unsafe.Pointer, length int, remoteRead bool) (*MR, error) {
	access := C.IBV_ACCESS_LOCAL_WRITE
	if remoteRead {
		access |= C.IBV_ACCESS_REMOTE_READ
	}
	mr := C.ibv_reg_mr(pd.native, addr, C.size_t(length), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("ibv_reg_mr failed for %d bytes", length)
	}
	return &MR{
		native: mr,
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
		Addr:   uint64(uintptr(addr)),
		Length: uint32(length),
	}, nil
}

// Dealloc releases the protection domain. Must happen after every MR and
// QP referencing it has been torn down.
func (pd *PD) Dealloc() error {
	ret := C.ibv_dealloc_pd(pd.native)
	if ret != 0 {
		return fmt.Errorf("ibv_dealloc_pd failed: %d", int(ret))
	}
	return nil
}

// MR is a registered memory region (struct ibv_mr). LKey/RKey/Addr/Length
// are the fields spec.md's wire protocol exchanges (internal/wire.MemoryRegion).
type MR struct {
	native *C.struct_ibv_mr
	LKey   uint32
	RKey   uint32
	Addr   uint64
	Length uint32
}

// Deregister releases the memory region.
func (m *MR) Deregister() error {
	ret := C.ibv_dereg_mr(m.native)
	if ret != 0 {
		return fmt.Errorf("ibv_dereg_mr failed: %d", int(ret))
	}
	return nil
}

// CompChannel is a completion-event notification channel (struct
// ibv_comp_channel).
type CompChannel struct {
	native *C.struct_ibv_comp_channel
}

// Fd returns the channel's file descriptor.
func (c *CompChannel) Fd() int {
	return int(c.native.fd)
}

// GetCQEvent blocks until a completion event arrives on this channel and
// returns the CQ it was raised for. Callers must call AckEvents once
// they've drained the corresponding completions.
func (c *CompChannel) GetCQEvent() (*CQ, error) {
	var cqNative *C.struct_ibv_cq
	var ctx unsafe.Pointer
	ret := C.ibv_get_cq_event(c.native, &cqNative, (*unsafe.Pointer)(unsafe.Pointer(&ctx)))
	if ret != 0 {
		return nil, fmt.Errorf("ibv_get_cq_event failed: %d", int(ret))
	}
	return &CQ{native: cqNative}, nil
}

// AckEvents acknowledges count prior GetCQEvent notifications for cq, as
// required before ibv_destroy_cq will succeed.
func (c *CompChannel) AckEvents(cq *CQ, count uint) {
	C.ibv_ack_cq_events(cq.native, C.uint(count))
}

// Destroy releases the completion channel.
func (c *CompChannel) Destroy() error {
	ret := C.ibv_destroy_comp_channel(c.native)
	if ret != 0 {
		return fmt.Errorf("ibv_destroy_comp_channel failed: %d", int(ret))
	}
	return nil
}

// CQ is a completion queue (struct ibv_cq).
type CQ struct {
	native *C.struct_ibv_cq
}

// ReqNotify arms the CQ's completion channel for one more event.
// solicitedOnly requests notification only for solicited completions;
// this system always passes false, since every WR it posts is signaled.
func (cq *CQ) ReqNotify(solicitedOnly bool) error {
	var flag C.int
	if solicitedOnly {
		flag = 1
	}
	ret := C.ibv_req_notify_cq(cq.native, flag)
	if ret != 0 {
		return fmt.Errorf("ibv_req_notify_cq failed: %d", int(ret))
	}
	return nil
}

// Poll drains up to max completions without blocking.
func (cq *CQ) Poll(max int) ([]WorkCompletion, error) {
	if max <= 0 {
		return nil, nil
	}
	raw := make([]C.struct_mv_wc, max)
	n := C.mv_poll_cq(cq.native, (*C.struct_mv_wc)(unsafe.Pointer(&raw[0])), C.int(max))
	if n < 0 {
		return nil, fmt.Errorf("ibv_poll_cq failed: %d", int(n))
	}

	out := make([]WorkCompletion, n)
	for i := 0; i < int(n); i++ {
		out[i] = WorkCompletion{
			WRID:    uint64(raw[i].wr_id),
			Status:  WCStatus(raw[i].status),
			Opcode:  WCOpcode(raw[i].opcode),
			ByteLen: uint32(raw[i].byte_len),
		}
	}
	return out, nil
}

// Destroy releases the completion queue. Must happen after the owning QP
// is destroyed (spec.md §3 invariant 3: no outstanding work on a CQ whose
// QP is gone).
func (cq *CQ) Destroy() error {
	ret := C.ibv_destroy_cq(cq.native)
	if ret != 0 {
		return fmt.Errorf("ibv_destroy_cq failed: %d", int(ret))
	}
	return nil
}

// QPCapacity bounds the send/receive work-request queue depths for a QP.
type QPCapacity struct {
	MaxSendWR int
	MaxRecvWR int
}

// QP wraps a queue pair created via rdma_create_qp; its lifetime is tied
// to the CMId it was built from, and it must be destroyed through that id
// (id.DestroyQP), not directly.
type QP struct {
	native *C.struct_ibv_qp
	id     *CMId
}

// CreateQP creates a reliable-connection queue pair on id, using sendCQ
// for send-queue completions and recvCQ for receive-queue completions.
// Both H and C pass the same CQ for both, so control-message and
// RDMA_READ completions arrive on one queue.
func (id *CMId) CreateQP(pd *PD, sendCQ, recvCQ *CQ, cap QPCapacity) (*QP, error) {
	attr := C.mv_qp_init_attr(sendCQ.native, recvCQ.native, C.int(cap.MaxSendWR), C.int(cap.MaxRecvWR))
	ret := C.rdma_create_qp(id.native, pd.native, &attr)
	if ret != 0 {
		return nil, fmt.Errorf("rdma_create_qp failed: %d", int(ret))
	}
	return &QP{native: id.native.qp, id: id}, nil
}

// PostRecvControl posts a single receive buffer for an incoming control
// message (spec.md §4.2/§4.3's MR/DONE exchange).
func (qp *QP) PostRecvControl(mr *MR, wrID uint64) error {
	ret := C.mv_post_recv_control(qp.native, C.uint64_t(mr.Addr), C.uint32_t(mr.LKey), C.uint32_t(mr.Length), C.uint64_t(wrID))
	if ret != 0 {
		return fmt.Errorf("post recv control failed: %d", int(ret))
	}
	return nil
}

// PostSendControl posts a single signaled SEND of length bytes from mr's
// registered buffer.
func (qp *QP) PostSendControl(mr *MR, length int, wrID uint64) error {
	ret := C.mv_post_send_control(qp.native, C.uint64_t(mr.Addr), C.uint32_t(mr.LKey), C.uint32_t(length), C.uint64_t(wrID))
	if ret != 0 {
		return fmt.Errorf("post send control failed: %d", int(ret))
	}
	return nil
}

// PostReadBatch posts one signaled RDMA_READ per entry in sinks, all
// targeting the same remote region, chained as a single linked list of
// work requests (spec.md §4.3). wrIDBase..wrIDBase+len(sinks)-1 are used
// as the individual work-request ids, so the completion poller can
// attribute each completion back to its sink slot.
func (qp *QP) PostReadBatch(sinks []*MR, remoteAddr uint64, remoteRKey uint32, length uint32, wrIDBase uint64) error {
	n := len(sinks)
	if n == 0 {
		return nil
	}

	addrs := make([]C.uint64_t, n)
	lkeys := make([]C.uint32_t, n)
	for i, s := range sinks {
		addrs[i] = C.uint64_t(s.Addr)
		lkeys[i] = C.uint32_t(s.LKey)
	}

	ret := C.mv_post_read_batch(
		qp.native,
		C.uint64_t(remoteAddr), C.uint32_t(remoteRKey),
		(*C.uint64_t)(unsafe.Pointer(&addrs[0])), (*C.uint32_t)(unsafe.Pointer(&lkeys[0])),
		C.uint32_t(length), C.int(n), C.uint64_t(wrIDBase),
	)
	if ret != 0 {
		return fmt.Errorf("post read batch of %d failed: %d", n, int(ret))
	}
	return nil
}

// Destroy tears down the QP via its owning CM id, as librdmacm requires
// for QPs created with rdma_create_qp.
func (qp *QP) Destroy() {
	qp.id.DestroyQP()
}

// Buffer is a C-heap allocation used for control-message send/recv
// buffers and RDMA READ sink buffers. It is allocated outside the Go
// runtime's GC so its address is stable for the lifetime of a posted
// work request, which an ordinary Go byte slice passed across cgo cannot
// guarantee once it is heap-allocated and the collector is free to move
// it between a post and its completion.
type Buffer struct {
	ptr unsafe.Pointer
	len int
}

// NewBuffer allocates a zeroed buffer of size bytes.
func NewBuffer(size int) *Buffer {
	ptr := C.calloc(1, C.size_t(size))
	return &Buffer{ptr: ptr, len: size}
}

// Ptr returns the buffer's address, for RegisterMR.
func (b *Buffer) Ptr() unsafe.Pointer { return b.ptr }

// Len returns the buffer's length in bytes.
func (b *Buffer) Len() int { return b.len }

// Bytes returns a Go slice view over the buffer for encoding/decoding; the
// slice is only valid while the Buffer itself is alive.
func (b *Buffer) Bytes() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.len)
}

// Free releases the underlying C allocation. Must happen after the
// buffer's MR has been deregistered.
func (b *Buffer) Free() {
	C.free(b.ptr)
	b.ptr = nil
}
