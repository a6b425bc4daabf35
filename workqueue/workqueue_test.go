package workqueue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ipcmesh/ipcmesh/codec"
	"github.com/ipcmesh/ipcmesh/workqueue"
)

func TestRendezvousScenario(t *testing.T) {
	owner, creator := workqueue.Open("jobs-1", 0, 0)
	require.True(t, creator)
	defer owner.Close()

	peer, creator2 := workqueue.Open("jobs-1", 0, 0)
	require.False(t, creator2)
	defer peer.Close()

	_, err := peer.Write(codec.Int(42))
	require.NoError(t, err)

	_, v, ok := owner.Read(false)
	require.True(t, ok)
	require.Equal(t, codec.Int(42), v)

	_, err = owner.Write(codec.Int(7))
	require.NoError(t, err)

	_, v2, ok2 := peer.Read(false)
	require.True(t, ok2)
	require.Equal(t, codec.Int(7), v2)

	_, err = owner.Write(codec.Int(100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		_, v3, ok3 := peer.Read(false)
		require.True(t, ok3)
		require.Equal(t, codec.Int(100), v3)
		_, err := peer.Write(codec.Int(-100))
		require.NoError(t, err)
	}()

	require.NoError(t, owner.Drain())
	wg.Wait()
}

func TestRegistrySameNameSharesQueue(t *testing.T) {
	a, creatorA := workqueue.Open("shared-x", 0, 0)
	defer a.Close()
	require.True(t, creatorA)

	b, creatorB := workqueue.Open("shared-x", 0, 0)
	defer b.Close()
	require.False(t, creatorB)

	_, err := b.Write(codec.String("ping"))
	require.NoError(t, err)
	_, v, ok := a.Read(false)
	require.True(t, ok)
	require.Equal(t, codec.String("ping"), v)
}

func TestUnnamedQueuesAreAlwaysFresh(t *testing.T) {
	a, creatorA := workqueue.Open("", 0, 0)
	defer a.Close()
	b, creatorB := workqueue.Open("", 0, 0)
	defer b.Close()

	require.True(t, creatorA)
	require.True(t, creatorB)
	require.NotSame(t, a, b)
}

func TestDrainOnlyAvailableToOwner(t *testing.T) {
	owner, _ := workqueue.Open("drain-guard", 0, 0)
	defer owner.Close()
	peer, _ := workqueue.Open("drain-guard", 0, 0)
	defer peer.Close()

	require.ErrorIs(t, peer.Drain(), workqueue.ErrNotOwner)
}

func TestWriteRefusesCapturedUpvaluesButWriteWithUpvaluesAllowsThem(t *testing.T) {
	owner, _ := workqueue.Open("upvalues-1", 0, 0)
	defer owner.Close()
	peer, _ := workqueue.Open("upvalues-1", 0, 0)
	defer peer.Close()

	ups := codec.NewTable("", codec.Int(1), codec.String("a"), codec.Int(2), codec.String("b"))
	fn := &codec.Function{Name: "worker.closure", Mode: codec.UpvalCaptured, Upvalues: ups}

	_, err := peer.Write(fn)
	require.Error(t, err)

	_, err = peer.WriteWithUpvalues(fn)
	require.NoError(t, err)

	_, v, ok := owner.Read(false)
	require.True(t, ok)
	gotFn, ok := v.(*codec.Function)
	require.True(t, ok)
	require.Equal(t, codec.UpvalCaptured, gotFn.Mode)
}
