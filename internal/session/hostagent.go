package session

import (
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"github.com/alessandrocornacchia/microview-cp/internal/pods"
	"github.com/alessandrocornacchia/microview-cp/internal/rdmacm"
	"github.com/alessandrocornacchia/microview-cp/internal/shm"
	"github.com/alessandrocornacchia/microview-cp/internal/wire"
)

// pageAddr returns the address of a shm page's backing bytes, for MR
// registration. The page is mmap'd memory, not Go-heap allocated, so its
// address is stable for the lifetime of the mapping.
func pageAddr(p *shm.Page) unsafe.Pointer {
	data := p.Addr()
	if len(data) == 0 {
		return nil
	}
	return unsafe.Pointer(&data[0])
}

// HostAgentConfig carries the per-connection parameters H needs to build
// and run one active-side RDMA session (spec.md §6 CLI surface).
type HostAgentConfig struct {
	PeerIP              string
	PeerPort            int
	BlockSize           uint32
	RouteResolveTimeout time.Duration
	IgnoreShmUnlinkErr  bool
}

// HostAgentConnection is H's active-side RDMA session for a single
// registered pod: one CM event task, implementing the state machine of
// spec.md §4.2.
type HostAgentConnection struct {
	cfg    HostAgentConfig
	podID  uint32
	page   *shm.Page
	table  *pods.Table
	logger *slog.Logger

	ec *rdmacm.EventChannel
	id *rdmacm.CMId

	pd *rdmacm.PD
	cq *rdmacm.CQ
	cc *rdmacm.CompChannel
	qp *rdmacm.QP

	pageMR           *rdmacm.MR
	sendBuf, recvBuf *rdmacm.Buffer
	sendMR, recvMR   *rdmacm.MR

	sendState SendState
}

// NewHostAgentConnection builds the session object for one freshly
// mapped pod page. Run must be called to actually drive it.
func NewHostAgentConnection(podID uint32, page *shm.Page, table *pods.Table, cfg HostAgentConfig, logger *slog.Logger) *HostAgentConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostAgentConnection{
		cfg:    cfg,
		podID:  podID,
		page:   page,
		table:  table,
		logger: logger.With("pod_id", podID),
	}
}

// Run drives the connection's CM event loop to completion. It returns
// nil once DISCONNECTED has been handled and teardown is complete, or an
// error if a fatal transport or connection-build error occurred first
// (spec.md §7: transport/connection-build errors are fatal per-session
// on H, not process-fatal once a pod is already registered).
func (h *HostAgentConnection) Run() error {
	ec, err := rdmacm.CreateEventChannel()
	if err != nil {
		return fmt.Errorf("create event channel: %w", err)
	}
	h.ec = ec

	id, err := rdmacm.CreateID(ec)
	if err != nil {
		ec.Destroy()
		return fmt.Errorf("create cm id: %w", err)
	}
	h.id = id

	h.table.SetDisconnect(h.podID, func() {
		if derr := id.Disconnect(); derr != nil {
			h.logger.Warn("rdma disconnect failed", "error", derr)
		}
	})

	if err := id.ResolveAddr(h.cfg.PeerIP, h.cfg.PeerPort, h.cfg.RouteResolveTimeout); err != nil {
		return fmt.Errorf("resolve addr %s:%d: %w", h.cfg.PeerIP, h.cfg.PeerPort, err)
	}

	for {
		ev, err := ec.GetEvent()
		if err != nil {
			// The channel only stops yielding events once destroyed, which
			// this connection only does from within teardown below.
			return nil
		}

		evType := ev.Type
		var handleErr error
		switch evType {
		case rdmacm.EventAddrResolved:
			handleErr = h.onAddrResolved()
		case rdmacm.EventRouteResolved:
			handleErr = id.Connect()
		case rdmacm.EventEstablished:
			handleErr = h.onEstablished()
		case rdmacm.EventDisconnected:
			ev.Ack()
			h.teardown()
			return nil
		default:
			if evType.IsError() {
				handleErr = fmt.Errorf("cm event %s", evType)
			}
		}
		ev.Ack()

		if handleErr != nil {
			h.logger.Error("host agent session failed", "event", evType, "error", handleErr)
			h.teardown()
			return handleErr
		}
	}
}

func (h *HostAgentConnection) onAddrResolved() error {
	verbs := h.id.Verbs()
	pd, err := verbs.AllocPD()
	if err != nil {
		return fmt.Errorf("alloc pd: %w", err)
	}
	h.pd = pd

	cc, err := verbs.CreateCompChannel()
	if err != nil {
		return fmt.Errorf("create comp channel: %w", err)
	}
	h.cc = cc

	cq, err := verbs.CreateCQ(cc, 16)
	if err != nil {
		return fmt.Errorf("create cq: %w", err)
	}
	h.cq = cq

	qp, err := h.id.CreateQP(pd, cq, cq, rdmacm.QPCapacity{MaxSendWR: 4, MaxRecvWR: 4})
	if err != nil {
		return fmt.Errorf("create qp: %w", err)
	}
	h.qp = qp

	pageMR, err := pd.RegisterMR(pageAddr(h.page), len(h.page.Addr()), true)
	if err != nil {
		return fmt.Errorf("register page mr: %w", err)
	}
	h.pageMR = pageMR

	h.sendBuf = rdmacm.NewBuffer(wire.WireSize)
	h.recvBuf = rdmacm.NewBuffer(wire.WireSize)

	sendMR, err := pd.RegisterMR(h.sendBuf.Ptr(), h.sendBuf.Len(), false)
	if err != nil {
		return fmt.Errorf("register send mr: %w", err)
	}
	h.sendMR = sendMR

	recvMR, err := pd.RegisterMR(h.recvBuf.Ptr(), h.recvBuf.Len(), false)
	if err != nil {
		return fmt.Errorf("register recv mr: %w", err)
	}
	h.recvMR = recvMR

	if err := h.qp.PostRecvControl(h.recvMR, 1); err != nil {
		return fmt.Errorf("post recv control: %w", err)
	}

	go h.drainCompletions()

	if err := h.id.ResolveRoute(h.cfg.RouteResolveTimeout); err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}
	return nil
}

func (h *HostAgentConnection) onEstablished() error {
	msg := wire.EncodeMR(wire.MemoryRegion{
		RemoteAddr: h.pageMR.Addr,
		RKey:       h.pageMR.RKey,
		Length:     h.pageMR.Length,
	})
	copy(h.sendBuf.Bytes(), msg[:])

	if err := h.qp.PostSendControl(h.sendMR, len(msg), 2); err != nil {
		return fmt.Errorf("post send control: %w", err)
	}
	return h.AdvanceSendState(SendMRSent)
}

// AdvanceSendState exists to satisfy the shared SendState bookkeeping
// without pulling in the full Connection type on the H side, which has
// no batching concerns of its own.
func (h *HostAgentConnection) AdvanceSendState(next SendState) error {
	if next < h.sendState {
		return fmt.Errorf("send-state regression: %s -> %s", h.sendState, next)
	}
	h.sendState = next
	return nil
}

// drainCompletions logs H's own control-plane completions (the posted
// recv, and the MR send) until the completion channel is torn down by
// teardown. H has no batching logic of its own; this exists purely so
// H's QP/CQ resources get drained per spec.md §5's one-completion-
// poller-per-connection rule.
func (h *HostAgentConnection) drainCompletions() {
	for {
		wcs, err := drainOnce(h.cc, h.cq)
		if err != nil {
			return
		}
		for _, wc := range wcs {
			if !wc.Status.IsSuccess() {
				h.logger.Warn("control completion error", "status", wc.Status, "opcode", wc.Opcode)
				continue
			}
			h.logger.Debug("control completion", "wr_id", wc.WRID, "opcode", wc.Opcode)
		}
	}
}

// teardown runs spec.md §4.6's sequence: destroy QP, deregister MRs,
// free buffers, destroy CM id; H additionally unlinks the shared page.
func (h *HostAgentConnection) teardown() {
	if h.qp != nil {
		h.qp.Destroy()
	}
	for _, mr := range []*rdmacm.MR{h.pageMR, h.sendMR, h.recvMR} {
		if mr != nil {
			if err := mr.Deregister(); err != nil {
				h.logger.Warn("deregister mr failed", "error", err)
			}
		}
	}
	if h.cq != nil {
		if err := h.cq.Destroy(); err != nil {
			h.logger.Warn("destroy cq failed", "error", err)
		}
	}
	if h.cc != nil {
		if err := h.cc.Destroy(); err != nil {
			h.logger.Warn("destroy comp channel failed", "error", err)
		}
	}
	if h.pd != nil {
		if err := h.pd.Dealloc(); err != nil {
			h.logger.Warn("dealloc pd failed", "error", err)
		}
	}
	for _, b := range []*rdmacm.Buffer{h.sendBuf, h.recvBuf} {
		if b != nil {
			b.Free()
		}
	}
	if h.id != nil {
		if err := h.id.Destroy(); err != nil {
			h.logger.Warn("destroy cm id failed", "error", err)
		}
	}
	if h.ec != nil {
		h.ec.Destroy()
	}

	if h.page != nil {
		if err := shm.Unlink(h.page.Name); err != nil {
			// spec.md §9 open question: shm_unlink's occasional OS error is
			// unexplained; default to surfacing it without failing teardown.
			if h.cfg.IgnoreShmUnlinkErr {
				h.logger.Warn("shm unlink failed, ignoring", "name", h.page.Name, "error", err)
			} else {
				h.logger.Error("shm unlink failed", "name", h.page.Name, "error", err)
			}
		}
		if err := h.page.Unmap(); err != nil {
			h.logger.Warn("unmap page failed", "error", err)
		}
	}

	h.table.Remove(h.podID)
	h.logger.Info("host agent connection torn down")
}
