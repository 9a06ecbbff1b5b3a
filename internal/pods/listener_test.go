package pods

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alessandrocornacchia/microview-cp/internal/shm"
	"github.com/stretchr/testify/require"
)

func TestHandshakeCreatesSharedMemoryAndReturnsName(t *testing.T) {
	podID := uint32(424242)
	name := shm.ObjectName(podID)
	t.Cleanup(func() { _ = shm.Unlink(name) })

	table := NewTable()

	var gotPodID uint32
	var gotPage *shm.Page
	done := make(chan struct{})
	onPod := func(id uint32, page *shm.Page) {
		gotPodID = id
		gotPage = page
		close(done)
	}

	l := New(1024, table, onPod, nil)

	portFile := filepath.Join(t.TempDir(), ".port")
	require.NoError(t, l.Listen(0, portFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Serve(ctx) }()

	portBytes, err := os.ReadFile(portFile)
	require.NoError(t, err)
	require.NotEmpty(t, portBytes)

	conn, err := net.Dial("tcp", "127.0.0.1:"+string(portBytes))
	require.NoError(t, err)
	defer conn.Close()

	var hello [4]byte
	binary.BigEndian.PutUint32(hello[:], podID)
	_, err = conn.Write(hello[:])
	require.NoError(t, err)

	var nameField [nameFieldSize]byte
	_, err = readFull(conn, nameField[:])
	require.NoError(t, err)

	gotName := string(trimNulls(nameField[:]))
	require.Equal(t, name, gotName)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler callback did not fire")
	}
	require.Equal(t, podID, gotPodID)
	require.NotNil(t, gotPage)
	require.Equal(t, 1024, gotPage.Size)

	_, ok := table.Lookup(podID)
	require.True(t, ok)

	require.NoError(t, gotPage.Unmap())
}

func trimNulls(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
