package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alessandrocornacchia/microview-cp/internal/latency"
	"github.com/alessandrocornacchia/microview-cp/internal/rdmacm"
	"github.com/alessandrocornacchia/microview-cp/internal/tick"
	"github.com/alessandrocornacchia/microview-cp/internal/wire"
)

// CollectorConfig carries the parameters the collector's passive side
// needs, per spec.md §6's CLI surface.
type CollectorConfig struct {
	ListenPort       int
	BlockSize        uint32
	MRsPerPod        int
	MaxConnections   int
	SamplingInterval time.Duration
	SampleDir        string
}

const (
	wrIDControlRecv = 1
	wrIDControlSend = 2
	wrIDReadBase    = 100
)

// CollectorListener is C's passive side: one shared listening CM id that
// fans CONNECT_REQUEST events out into independent per-connection
// sessions (spec.md §4.3).
type CollectorListener struct {
	cfg       CollectorConfig
	table     *Table
	round     *GlobalRound
	scheduler *tick.Scheduler
	logger    *slog.Logger

	ec       *rdmacm.EventChannel
	listenID *rdmacm.CMId
}

// NewCollectorListener wires a listener to the shared round/table/scheduler
// the collector process owns for its whole lifetime.
func NewCollectorListener(cfg CollectorConfig, table *Table, round *GlobalRound, scheduler *tick.Scheduler, logger *slog.Logger) *CollectorListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectorListener{cfg: cfg, table: table, round: round, scheduler: scheduler, logger: logger}
}

// Run binds, listens, and dispatches CONNECT_REQUEST events until ctx is
// done. Each accepted connection runs its own event task and completion
// poller in separate goroutines and is independent of every other.
func (l *CollectorListener) Run(ctx context.Context) error {
	ec, err := rdmacm.CreateEventChannel()
	if err != nil {
		return fmt.Errorf("create event channel: %w", err)
	}
	l.ec = ec

	id, err := rdmacm.CreateID(ec)
	if err != nil {
		ec.Destroy()
		return fmt.Errorf("create cm id: %w", err)
	}
	l.listenID = id

	if err := id.BindAddr(l.cfg.ListenPort); err != nil {
		return fmt.Errorf("bind addr on port %d: %w", l.cfg.ListenPort, err)
	}
	if err := id.Listen(64); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		ec.Destroy()
	}()

	for {
		ev, err := ec.GetEvent()
		if err != nil {
			return nil
		}

		if ev.Type == rdmacm.EventConnectRequest {
			connID := ev.ID
			ev.Ack()
			go l.handleConnectRequest(connID)
			continue
		}

		l.logger.Debug("listener event", "event", ev.Type)
		ev.Ack()
	}
}

func (l *CollectorListener) handleConnectRequest(id *rdmacm.CMId) {
	logger := l.logger.With("remote_id", fmt.Sprintf("%p", id))

	if l.cfg.MaxConnections > 0 && l.table.Len() >= l.cfg.MaxConnections {
		logger.Warn("connection capacity reached, refusing connect request", "max_connections", l.cfg.MaxConnections)
		if err := id.Destroy(); err != nil {
			logger.Warn("destroy refused cm id failed", "error", err)
		}
		return
	}

	connEC, err := rdmacm.CreateEventChannel()
	if err != nil {
		logger.Error("create per-connection event channel failed", "error", err)
		return
	}
	if err := id.Migrate(connEC); err != nil {
		logger.Error("migrate cm id failed", "error", err)
		connEC.Destroy()
		return
	}

	conn := l.table.Register(fmt.Sprintf("conn-%p", id), l.cfg.BlockSize, l.cfg.MRsPerPod)
	logger = logger.With("connection_index", conn.Index, "run_id", conn.RunID)

	cs := &CollectorConnection{
		cfg:       l.cfg,
		conn:      conn,
		table:     l.table,
		round:     l.round,
		scheduler: l.scheduler,
		id:        id,
		ec:        connEC,
		logger:    logger,
	}

	if err := cs.build(); err != nil {
		logger.Error("build connection failed", "error", err)
		cs.teardown()
		return
	}

	if err := id.Accept(); err != nil {
		logger.Error("accept failed", "error", err)
		cs.teardown()
		return
	}

	cs.mailbox = l.scheduler.Register(conn.Index)

	go cs.runEvents()
	go cs.runPoller()
}

// CollectorConnection is one accepted RDMA connection on C: its own PD,
// CQ, completion channel, QP, control buffers, and N read-sink buffers
// (spec.md §4.3).
type CollectorConnection struct {
	cfg       CollectorConfig
	conn      *Connection
	table     *Table
	round     *GlobalRound
	scheduler *tick.Scheduler
	mailbox   *tick.Mailbox
	logger    *slog.Logger

	id *rdmacm.CMId
	ec *rdmacm.EventChannel

	pd *rdmacm.PD
	cq *rdmacm.CQ
	cc *rdmacm.CompChannel
	qp *rdmacm.QP

	sendBuf, recvBuf *rdmacm.Buffer
	sendMR, recvMR   *rdmacm.MR

	sinkBufs []*rdmacm.Buffer
	sinkMRs  []*rdmacm.MR

	teardownOnce sync.Once
}

func (cs *CollectorConnection) build() error {
	verbs := cs.id.Verbs()

	pd, err := verbs.AllocPD()
	if err != nil {
		return fmt.Errorf("alloc pd: %w", err)
	}
	cs.pd = pd

	cc, err := verbs.CreateCompChannel()
	if err != nil {
		return fmt.Errorf("create comp channel: %w", err)
	}
	cs.cc = cc

	cq, err := verbs.CreateCQ(cc, 64)
	if err != nil {
		return fmt.Errorf("create cq: %w", err)
	}
	cs.cq = cq

	qp, err := cs.id.CreateQP(pd, cq, cq, rdmacm.QPCapacity{MaxSendWR: cs.cfg.MRsPerPod + 4, MaxRecvWR: 4})
	if err != nil {
		return fmt.Errorf("create qp: %w", err)
	}
	cs.qp = qp

	cs.sendBuf = rdmacm.NewBuffer(wire.WireSize)
	cs.recvBuf = rdmacm.NewBuffer(wire.WireSize)

	sendMR, err := pd.RegisterMR(cs.sendBuf.Ptr(), cs.sendBuf.Len(), false)
	if err != nil {
		return fmt.Errorf("register send mr: %w", err)
	}
	cs.sendMR = sendMR

	recvMR, err := pd.RegisterMR(cs.recvBuf.Ptr(), cs.recvBuf.Len(), false)
	if err != nil {
		return fmt.Errorf("register recv mr: %w", err)
	}
	cs.recvMR = recvMR

	for i := 0; i < cs.cfg.MRsPerPod; i++ {
		buf := rdmacm.NewBuffer(int(cs.cfg.BlockSize))
		mr, err := pd.RegisterMR(buf.Ptr(), buf.Len(), false)
		if err != nil {
			return fmt.Errorf("register sink mr %d: %w", i, err)
		}
		cs.sinkBufs = append(cs.sinkBufs, buf)
		cs.sinkMRs = append(cs.sinkMRs, mr)
	}

	if err := cs.qp.PostRecvControl(cs.recvMR, wrIDControlRecv); err != nil {
		return fmt.Errorf("post recv control: %w", err)
	}
	return nil
}

// runEvents handles this connection's private CM event channel:
// ESTABLISHED marks the connection live; DISCONNECTED drives teardown.
// Both CONNECT_REQUEST handling and the wire-level MR exchange live
// elsewhere (the listener, and the completion poller, respectively) —
// this task only tracks connection-level transitions (spec.md §9:
// distinct state-machine functions per role, sharing only the codec).
func (cs *CollectorConnection) runEvents() {
	for {
		ev, err := cs.ec.GetEvent()
		if err != nil {
			return
		}

		switch ev.Type {
		case rdmacm.EventEstablished:
			cs.conn.MarkConnected()
		case rdmacm.EventDisconnected:
			ev.Ack()
			cs.teardown()
			return
		default:
			if ev.Type.IsError() {
				cs.logger.Error("connection event error", "event", ev.Type)
				ev.Ack()
				cs.teardown()
				return
			}
		}
		ev.Ack()
	}
}

// runPoller is the completion-poller task of spec.md §4.3: it waits for
// completion events, dispatches RECV and RDMA_READ completions to the
// connection's on-completion logic, and arms the next batch once the
// connection is ready and the tick scheduler signals it.
func (cs *CollectorConnection) runPoller() {
	for {
		wcs, err := drainOnce(cs.cc, cs.cq)
		if err != nil {
			cs.teardown()
			return
		}

		for _, wc := range wcs {
			if !wc.Status.IsSuccess() {
				cs.logger.Warn("completion error, terminating connection", "status", wc.Status, "opcode", wc.Opcode)
				cs.teardown()
				return
			}

			switch wc.Opcode {
			case rdmacm.WCOpcodeRecv:
				msg, err := wire.Decode(cs.recvBuf.Bytes())
				if err != nil {
					cs.logger.Error("control message decode failed", "error", err)
					cs.teardown()
					return
				}
				if err := cs.conn.OnRecvCompletion(msg); err != nil {
					cs.logger.Error("control protocol error", "error", err)
					cs.teardown()
					return
				}
			case rdmacm.WCOpcodeRDMARead:
				now := time.Now()
				if complete, elapsed := cs.conn.OnReadCompletion(now); complete {
					if roundComplete, roundElapsed := cs.round.RecordConnectionFinished(now); roundComplete {
						cs.logger.Debug("round complete", "round_latency", roundElapsed)
					}
					cs.logger.Debug("batch complete", "batch_latency", elapsed)
				}
			}
		}

		if cs.conn.ReadyForNextBatch() {
			if !cs.mailbox.Wait(context.Background()) {
				return
			}
			now := time.Now()
			cs.conn.ArmBatch(now)
			peer := cs.conn.PeerMR()
			if err := cs.qp.PostReadBatch(cs.sinkMRs, peer.RemoteAddr, peer.RKey, cs.cfg.BlockSize, wrIDReadBase); err != nil {
				cs.logger.Error("post read batch failed", "error", err)
				cs.teardown()
				return
			}
		}
	}
}

// teardown runs spec.md §4.6's sequence on C's side, persists this
// connection's latency samples, and — if this was the last active
// connection — the global round's samples too.
func (cs *CollectorConnection) teardown() {
	cs.teardownOnce.Do(func() {
		if cs.qp != nil {
			cs.qp.Destroy()
		}
		for _, mr := range append([]*rdmacm.MR{cs.sendMR, cs.recvMR}, cs.sinkMRs...) {
			if mr != nil {
				if err := mr.Deregister(); err != nil {
					cs.logger.Warn("deregister mr failed", "error", err)
				}
			}
		}
		if cs.cq != nil {
			if err := cs.cq.Destroy(); err != nil {
				cs.logger.Warn("destroy cq failed", "error", err)
			}
		}
		if cs.cc != nil {
			if err := cs.cc.Destroy(); err != nil {
				cs.logger.Warn("destroy comp channel failed", "error", err)
			}
		}
		if cs.pd != nil {
			if err := cs.pd.Dealloc(); err != nil {
				cs.logger.Warn("dealloc pd failed", "error", err)
			}
		}
		buffers := append([]*rdmacm.Buffer{cs.sendBuf, cs.recvBuf}, cs.sinkBufs...)
		for _, b := range buffers {
			if b != nil {
				b.Free()
			}
		}
		if cs.id != nil {
			if err := cs.id.Destroy(); err != nil {
				cs.logger.Warn("destroy cm id failed", "error", err)
			}
		}
		if cs.ec != nil {
			cs.ec.Destroy()
		}

		if cs.cfg.SampleDir != "" {
			path := latency.ConnectionSampleFile(cs.cfg.SampleDir, cs.conn.RunID)
			if err := latency.WriteSamples(path, cs.conn.Latency.Samples()); err != nil {
				cs.logger.Warn("write connection sample file failed", "error", err)
			}
		}

		cs.table.Remove(cs.conn.Index)
		if cs.scheduler != nil {
			cs.scheduler.Unregister(cs.conn.Index)
		}

		if cs.table.Len() == 0 && cs.cfg.SampleDir != "" {
			path := latency.GlobalSampleFile(cs.cfg.SampleDir)
			if err := latency.WriteSamples(path, cs.round.Latency.Samples()); err != nil {
				cs.logger.Warn("write global sample file failed", "error", err)
			}
		}

		cs.logger.Info("collector connection torn down")
	})
}
