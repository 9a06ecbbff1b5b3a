package rdmacm

/*
#cgo LDFLAGS: -lrdmacm -libverbs
#include "shim.h"
#include <arpa/inet.h>
#include <netinet/in.h>
#include <string.h>
#include <stdlib.h>

static struct sockaddr_in mv_sockaddr_in(const char *ip, int port) {
	struct sockaddr_in addr;
	memset(&addr, 0, sizeof(addr));
	addr.sin_family = AF_INET;
	addr.sin_port = htons((unsigned short)port);
	if (ip != NULL && strlen(ip) > 0) {
		inet_pton(AF_INET, ip, &addr.sin_addr);
	}
	return addr;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// EventChannel wraps a librdmacm event channel: the side-band fd H and C
// each block on waiting for CM events (spec.md GLOSSARY).
type EventChannel struct {
	native *C.struct_rdma_event_channel
}

// CreateEventChannel allocates a new CM event channel.
func CreateEventChannel() (*EventChannel, error) {
	ec := C.rdma_create_event_channel()
	if ec == nil {
		return nil, fmt.Errorf("rdma_create_event_channel failed")
	}
	return &EventChannel{native: ec}, nil
}

// Fd returns the channel's underlying file descriptor, for integration with
// a Go event loop if one is ever needed; the blocking GetEvent call below
// is the primary interface this system uses.
func (c *EventChannel) Fd() int {
	return int(c.native.fd)
}

// Destroy releases the event channel. Any blocked GetEvent call returns an
// error once this runs, which spec.md §5 treats as the cancellation
// signal for the per-connection CM event task.
func (c *EventChannel) Destroy() {
	C.rdma_destroy_event_channel(c.native)
}

// registry is the per-CM-id side-table spec.md §9 calls for, replacing the
// source's practice of smuggling a Go-side pointer through the C id's
// opaque `context` field. Each CMId wrapper registers itself here, keyed by
// its own native pointer, so EventChannel.GetEvent can resolve an event's
// rdma_cm_id back to the same Go wrapper (and its attached application
// context) every time, rather than re-wrapping a C pointer we've already
// seen.
var (
	registryMu sync.Mutex
	registry   = map[uintptr]*CMId{}
)

// CMId wraps a librdmacm connection identifier (GLOSSARY: Connection
// Manager). It carries no unsafe.Pointer-based application context; use
// SetContext/Context instead.
type CMId struct {
	native *C.struct_rdma_cm_id

	mu  sync.Mutex
	ctx any
}

func wrapCMId(native *C.struct_rdma_cm_id) *CMId {
	key := uintptr(unsafe.Pointer(native))

	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := registry[key]; ok {
		return existing
	}
	id := &CMId{native: native}
	registry[key] = id
	return id
}

func unregisterCMId(id *CMId) {
	key := uintptr(unsafe.Pointer(id.native))
	registryMu.Lock()
	delete(registry, key)
	registryMu.Unlock()
}

// CreateID allocates a new CM id bound to ec. The id always uses the
// RDMA_PS_TCP port space (reliable-connected, the only port space this
// system uses per spec.md GLOSSARY's "always Reliable Connection").
func CreateID(ec *EventChannel) (*CMId, error) {
	var native *C.struct_rdma_cm_id
	ret := C.rdma_create_id(ec.native, &native, nil, C.RDMA_PS_TCP)
	if ret != 0 {
		return nil, fmt.Errorf("rdma_create_id failed: %d", int(ret))
	}
	return wrapCMId(native), nil
}

// SetContext attaches an application-defined value to this connection id.
// Unlike the source's pattern of rewriting the C struct's context pointer
// after build-connection, this simply stores the value on the Go wrapper
// itself; the wrapper is stable for the id's whole lifetime via registry.
func (id *CMId) SetContext(v any) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.ctx = v
}

// Context returns the previously attached value, or nil.
func (id *CMId) Context() any {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.ctx
}

// ResolveAddr begins address resolution toward dstIP:dstPort, yielding an
// ADDR_RESOLVED (or ADDR_ERROR) event. Used by H's active side (§4.2).
func (id *CMId) ResolveAddr(dstIP string, dstPort int, timeout time.Duration) error {
	cip := C.CString(dstIP)
	defer C.free(unsafe.Pointer(cip))

	dst := C.mv_sockaddr_in(cip, C.int(dstPort))
	ret := C.rdma_resolve_addr(id.native, nil, (*C.struct_sockaddr)(unsafe.Pointer(&dst)), C.int(timeout.Milliseconds()))
	if ret != 0 {
		return fmt.Errorf("rdma_resolve_addr to %s:%d failed: %d", dstIP, dstPort, int(ret))
	}
	return nil
}

// ResolveRoute begins route resolution, yielding ROUTE_RESOLVED (or
// ROUTE_ERROR). The 500ms default timeout matches spec.md §5.
func (id *CMId) ResolveRoute(timeout time.Duration) error {
	ret := C.rdma_resolve_route(id.native, C.int(timeout.Milliseconds()))
	if ret != 0 {
		return fmt.Errorf("rdma_resolve_route failed: %d", int(ret))
	}
	return nil
}

// connParam builds the conn_param used by both Connect and Accept: modest
// fixed depths, and rnr_retry_count=7 ("infinite RNR retry", spec.md §7).
func connParam() C.struct_rdma_conn_param {
	var p C.struct_rdma_conn_param
	p.responder_resources = 4
	p.initiator_depth = 4
	p.retry_count = 7
	p.rnr_retry_count = 7
	return p
}

// Connect issues the active-side connect request, yielding ESTABLISHED (or
// CONNECT_ERROR/REJECTED/UNREACHABLE). H-side only (§4.2).
func (id *CMId) Connect() error {
	p := connParam()
	ret := C.rdma_connect(id.native, &p)
	if ret != 0 {
		return fmt.Errorf("rdma_connect failed: %d", int(ret))
	}
	return nil
}

// BindAddr binds the listening id to 0.0.0.0:port. C-side only (§4.3).
func (id *CMId) BindAddr(port int) error {
	addr := C.mv_sockaddr_in(nil, C.int(port))
	ret := C.rdma_bind_addr(id.native, (*C.struct_sockaddr)(unsafe.Pointer(&addr)))
	if ret != 0 {
		return fmt.Errorf("rdma_bind_addr on port %d failed: %d", port, int(ret))
	}
	return nil
}

// Listen marks the id as a passive listener. C-side only (§4.3).
func (id *CMId) Listen(backlog int) error {
	ret := C.rdma_listen(id.native, C.int(backlog))
	if ret != 0 {
		return fmt.Errorf("rdma_listen failed: %d", int(ret))
	}
	return nil
}

// Accept completes the passive side of connection establishment for an id
// obtained from a CONNECT_REQUEST event, yielding ESTABLISHED. C-side only.
func (id *CMId) Accept() error {
	p := connParam()
	ret := C.rdma_accept(id.native, &p)
	if ret != 0 {
		return fmt.Errorf("rdma_accept failed: %d", int(ret))
	}
	return nil
}

// Disconnect tears down an established connection, yielding DISCONNECTED
// on both peers. This is "the RDMA disconnect primitive" spec.md §4.5's
// liveness watcher calls; it does not block for the peer to react.
func (id *CMId) Disconnect() error {
	ret := C.rdma_disconnect(id.native)
	if ret != 0 {
		return fmt.Errorf("rdma_disconnect failed: %d", int(ret))
	}
	return nil
}

// DestroyQP destroys the QP created via CreateQP. Must be called before
// Destroy, and after the QP's CQ has no further outstanding work, per
// spec.md §3 invariant 3.
func (id *CMId) DestroyQP() {
	C.rdma_destroy_qp(id.native)
}

// Destroy releases the CM id itself. Must be the last teardown step, per
// spec.md §4.6: "(4) destroy the CM id."
func (id *CMId) Destroy() error {
	unregisterCMId(id)
	ret := C.rdma_destroy_id(id.native)
	if ret != 0 {
		return fmt.Errorf("rdma_destroy_id failed: %d", int(ret))
	}
	return nil
}

// Migrate moves this id's subsequent event delivery onto ec, a fresh,
// private event channel. The collector calls this immediately after
// Accept so each connection gets its own CM event task blocking on its
// own channel (spec.md §5's one-CM-event-task-per-connection), rather
// than every connection fighting over the listener's shared channel.
func (id *CMId) Migrate(ec *EventChannel) error {
	ret := C.rdma_migrate_id(id.native, ec.native)
	if ret != 0 {
		return fmt.Errorf("rdma_migrate_id failed: %d", int(ret))
	}
	return nil
}

// Verbs returns the device verbs context backing this id, available once
// address resolution has completed (ADDR_RESOLVED for the active side,
// CONNECT_REQUEST for the passive side).
func (id *CMId) Verbs() *VerbsContext {
	return &VerbsContext{native: id.native.verbs}
}

// Event is a single CM event, as delivered by EventChannel.GetEvent. Ack
// must be called exactly once, after the event's data (notably ID, for
// CONNECT_REQUEST) has been consumed, per rdma_cm's acknowledgement
// contract; failing to ack before destroying the associated id deadlocks
// librdmacm's internal bookkeeping.
type Event struct {
	Type EventType
	ID   *CMId

	native *C.struct_rdma_cm_event
}

// Ack acknowledges the event, releasing librdmacm's internal event
// reference. Safe to call exactly once per event.
func (e *Event) Ack() error {
	ret := C.rdma_ack_cm_event(e.native)
	if ret != 0 {
		return fmt.Errorf("rdma_ack_cm_event failed: %d", int(ret))
	}
	return nil
}

func toEventType(raw C.enum_rdma_cm_event_type) EventType {
	switch raw {
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		return EventAddrResolved
	case C.RDMA_CM_EVENT_ADDR_ERROR:
		return EventAddrError
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		return EventRouteResolved
	case C.RDMA_CM_EVENT_ROUTE_ERROR:
		return EventRouteError
	case C.RDMA_CM_EVENT_CONNECT_REQUEST:
		return EventConnectRequest
	case C.RDMA_CM_EVENT_CONNECT_ERROR:
		return EventConnectError
	case C.RDMA_CM_EVENT_UNREACHABLE:
		return EventUnreachable
	case C.RDMA_CM_EVENT_REJECTED:
		return EventRejected
	case C.RDMA_CM_EVENT_ESTABLISHED:
		return EventEstablished
	case C.RDMA_CM_EVENT_DISCONNECTED:
		return EventDisconnected
	case C.RDMA_CM_EVENT_DEVICE_REMOVAL:
		return EventDeviceRemoval
	case C.RDMA_CM_EVENT_TIMEWAIT_EXIT:
		return EventTimewaitExit
	default:
		return EventDisconnected
	}
}

// GetEvent blocks until the next CM event arrives, or returns an error once
// the channel is destroyed (spec.md §5's cancellation-via-channel-teardown
// convention). Callers must Ack the returned Event once they are done
// reading it, in particular after reading Event.ID for a CONNECT_REQUEST.
func (c *EventChannel) GetEvent() (*Event, error) {
	var native *C.struct_rdma_cm_event
	ret := C.rdma_get_cm_event(c.native, &native)
	if ret != 0 {
		return nil, fmt.Errorf("rdma_get_cm_event failed: %d", int(ret))
	}

	ev := &Event{
		Type:   toEventType(native.event),
		ID:     wrapCMId(native.id),
		native: native,
	}
	return ev, nil
}
