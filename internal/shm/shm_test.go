package shm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func uniqueTestName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("microview-test-%s", t.Name())
}

func TestCreateWriteOpenReadUnlink(t *testing.T) {
	name := uniqueTestName(t)
	t.Cleanup(func() { _ = Unlink(name) })

	owner, err := Create(name, 1024)
	require.NoError(t, err)
	require.Equal(t, 1024, owner.Size)

	copy(owner.Addr(), []byte("hello-microview"))

	reader, err := Open(name, 1024)
	require.NoError(t, err)
	defer func() { require.NoError(t, reader.Unmap()) }()

	require.Equal(t, "hello-microview", string(reader.Addr()[:len("hello-microview")]))

	require.NoError(t, owner.Unmap())
	require.NoError(t, Unlink(name))
}

func TestOpenMissingObjectFails(t *testing.T) {
	name := uniqueTestName(t) + "-missing"

	_, err := Open(name, 1024)
	require.Error(t, err)
}

func TestUnlinkMissingObjectIsNotAnError(t *testing.T) {
	name := uniqueTestName(t) + "-never-created"

	require.NoError(t, Unlink(name))
}

func TestObjectNameFormat(t *testing.T) {
	require.Equal(t, "shm-1234", ObjectName(1234))
}
