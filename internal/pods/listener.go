package pods

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/alessandrocornacchia/microview-cp/internal/shm"
)

// nameFieldSize is the fixed width of the shared-memory object name
// returned to the pod, per spec.md §6: "256 bytes, ASCII, null-padded".
const nameFieldSize = 256

// Handler is invoked once per successfully-handshaked pod, after its shared
// page has been created and mapped but before the TCP socket is closed. The
// caller (the host agent's wiring code) uses it to kick off §4.2's RDMA
// session build; it runs on the per-connection handler goroutine, so it
// must not block indefinitely.
type Handler func(podID uint32, page *shm.Page)

// Listener implements H's TCP pod-registration endpoint (§4.1). Each
// accepted connection is handled by its own goroutine; a handler failure
// only affects that pod, never the accept loop, per spec.md §4.1's failure
// policy and §7's error taxonomy ("local errors on handler threads ...
// fatal to that handler; accept loop survives").
type Listener struct {
	blockSize int
	logger    *slog.Logger
	table     *Table
	onPod     Handler

	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Listener. blockSize is the size of each pod's shared
// page (spec.md §6, default 1024, 4096 suggested for page alignment).
func New(blockSize int, table *Table, onPod Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{blockSize: blockSize, logger: logger, table: table, onPod: onPod}
}

// Listen binds the TCP socket, writes the listening port to portFile (the
// ".port" sidecar from spec.md §4.1), and returns. Call Serve to begin
// accepting connections.
func (l *Listener) Listen(listenPort int, portFile string) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return fmt.Errorf("listen on pod registration port: %w", err)
	}
	l.ln = ln

	port := ln.Addr().(*net.TCPAddr).Port
	if err := os.WriteFile(portFile, []byte(strconv.Itoa(port)), 0o644); err != nil {
		_ = ln.Close()
		return fmt.Errorf("write port sidecar file %s: %w", portFile, err)
	}
	l.logger.Info("pod registration listener started", "port", port, "port_file", portFile)
	return nil
}

// Serve runs the accept loop until ctx is canceled or the listener is
// closed. It blocks; run it in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				l.logger.Error("pod registration accept failed", "err", err)
				continue
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

// handle implements spec.md §4.1 steps 1-4 for a single inbound connection.
// Any syscall failure here kills this handler only (step's failure policy);
// the shared object name is released so a retry can reuse it.
func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	var podIDBuf [4]byte
	if _, err := readFull(conn, podIDBuf[:]); err != nil {
		l.logger.Warn("pod hello read failed", "err", err)
		return
	}
	podID := binary.BigEndian.Uint32(podIDBuf[:])

	name := shm.ObjectName(podID)
	page, err := shm.Create(name, l.blockSize)
	if err != nil {
		l.logger.Warn("pod shared memory creation failed", "pod_id", podID, "err", err)
		return
	}

	var nameField [nameFieldSize]byte
	if len(name) > nameFieldSize {
		l.logger.Error("shared memory object name exceeds wire field size", "pod_id", podID, "name", name)
		_ = page.Unmap()
		_ = shm.Unlink(name)
		return
	}
	copy(nameField[:], name)

	if _, err := conn.Write(nameField[:]); err != nil {
		l.logger.Warn("pod hello response failed", "pod_id", podID, "err", err)
		_ = page.Unmap()
		_ = shm.Unlink(name)
		return
	}

	reg := &Registration{PodID: podID, Page: page}
	l.table.Register(reg)
	l.logger.Info("pod registered", "pod_id", podID, "shm_name", name, "size", l.blockSize)

	if l.onPod != nil {
		l.onPod(podID, page)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
