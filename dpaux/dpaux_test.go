package dpaux

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/flashcore/transfer"
)

/* A regular file behaves like the DPCD space as far as pread/pwrite go */
func openFile(t *testing.T) *Device {
	path := filepath.Join(t.TempDir(), "aux")
	require.NoError(t, os.WriteFile(path, make([]byte, 0x100), 0644))

	d, err := Open(path, 0x40, 0x40)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestWriteRead(t *testing.T) {
	d := openFile(t)
	ctx := context.Background()

	require.NoError(t, d.Write(ctx, []byte{0x51, 0x0e, 0x01}, time.Second))

	buf := make([]byte, 3)
	require.NoError(t, transfer.ReadFull(ctx, d, buf, time.Second))
	assert.Equal(t, []byte{0x51, 0x0e, 0x01}, buf)
}

func TestLimits(t *testing.T) {
	d := openFile(t)

	err := d.Write(context.Background(), make([]byte, MaxTransaction+1), time.Second)
	assert.ErrorIs(t, err, transfer.ErrorPayloadTooLarge)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Write(context.Background(), []byte{1}, time.Second), transfer.ErrorClosed)
}
