package ring_test

import (
	"math/rand"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/ipcmesh/ipcmesh/ring"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := ring.New(16)

	n := b.Write([]byte("hello"))
	require.Equal(t, 5, n)
	require.Equal(t, 5, b.Readable())

	out := make([]byte, 5)
	got := b.Read(out)
	require.Equal(t, 5, got)
	require.Equal(t, "hello", string(out))
	require.Equal(t, 0, b.Readable())
}

func TestWraparound(t *testing.T) {
	b := ring.New(8)

	b.Write([]byte("abcdef")) // 6/8 used
	out := make([]byte, 4)
	b.Read(out) // consume "abcd", rp=4, rcb=2

	n := b.Write([]byte("ghijkl")) // only 6 bytes free
	require.Equal(t, 6, n)

	rest := make([]byte, 8)
	got := b.Read(rest)
	require.Equal(t, 8, got)
	require.Equal(t, "efghijkl", string(rest[:got]))
}

func TestTransactionRollbackIsNoOp(t *testing.T) {
	b := ring.New(16)
	b.Write([]byte("seed"))
	before := b.Stats()

	b.PushWritePos()
	b.Write([]byte("partial-frame-that-is-discarded"))
	b.PopWritePos()

	after := b.Stats()
	require.Equal(t, before, after)

	out := make([]byte, 4)
	b.Read(out)
	require.Equal(t, "seed", string(out))
}

func TestTransactionCommitKeepsWrites(t *testing.T) {
	b := ring.New(16)

	b.PushWritePos()
	b.Write([]byte("kept"))
	b.Commit()

	require.Equal(t, 4, b.Readable())
}

func TestGrowByLinearizesAndPreservesOrder(t *testing.T) {
	b := ring.New(8)
	b.Write([]byte("abcdef"))
	out := make([]byte, 4)
	b.Read(out) // rp=4, rcb=2 ("ef" readable)

	b.GrowBy(datasize.ByteSize(8))
	require.Equal(t, 16, b.Cap())
	require.Equal(t, 2, b.Readable())

	rest := make([]byte, 2)
	n := b.Read(rest)
	require.Equal(t, 2, n)
	require.Equal(t, "ef", string(rest))
}

func TestRandomizedWriteReadPreservesPrefix(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	b := ring.New(32)

	var written, read []byte
	for i := 0; i < 200; i++ {
		if rng.Intn(2) == 0 || b.Readable() == 0 {
			chunk := make([]byte, rng.Intn(10))
			rng.Read(chunk)
			n := b.Write(chunk)
			written = append(written, chunk[:n]...)
		} else {
			out := make([]byte, rng.Intn(10))
			n := b.Read(out)
			read = append(read, out[:n]...)
		}
	}
	// Drain whatever remains.
	out := make([]byte, b.Readable())
	n := b.Read(out)
	read = append(read, out[:n]...)

	require.Equal(t, written[:len(read)], read)
}
