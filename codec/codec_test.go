package codec_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ipcmesh/ipcmesh/codec"
	"github.com/ipcmesh/ipcmesh/ring"
)

func roundTrip(t *testing.T, v codec.Value) codec.Value {
	t.Helper()
	rb := ring.New(4096)

	enc := codec.NewEncoder(rb, codec.ModeInProcess, nil)
	require.NoError(t, enc.Encode(v))

	dec := codec.NewDecoder(rb, codec.ModeInProcess, nil, nil)
	got, err := dec.Decode()
	require.NoError(t, err)
	return got
}

func TestScalarRoundTrip(t *testing.T) {
	cases := []codec.Value{
		codec.Nil{},
		codec.Bool(true),
		codec.Bool(false),
		codec.Number(3.5),
		codec.Int(-42),
		codec.String("hello world"),
	}
	for _, v := range cases {
		got := roundTrip(t, v)
		if diff := cmp.Diff(v, got); diff != "" {
			t.Errorf("round trip mismatch for %#v (-want +got):\n%s", v, diff)
		}
	}
}

func TestTableRoundTrip(t *testing.T) {
	tbl := codec.NewTable("MyType",
		codec.String("k1"), codec.Int(1),
		codec.Int(2), codec.String("v2"),
	)
	got := roundTrip(t, tbl)
	gotTable, ok := got.(*codec.Table)
	require.True(t, ok)
	require.Equal(t, "MyType", gotTable.Metatable)
	require.Len(t, gotTable.Pairs, 2)
}

func TestTableSharedByIdentityNotLooped(t *testing.T) {
	shared := codec.NewTable("", codec.String("x"), codec.Int(1))
	shared.Pairs = append(shared.Pairs, codec.Pair{Key: codec.String("self"), Value: shared})

	outer := codec.NewTable("", codec.String("a"), shared, codec.String("b"), shared)

	got := roundTrip(t, outer)
	gotOuter := got.(*codec.Table)

	av, _ := gotOuter.Get(codec.String("a"))
	bv, _ := gotOuter.Get(codec.String("b"))
	require.Same(t, av.(*codec.Table), bv.(*codec.Table))

	selfRef, ok := av.(*codec.Table).Get(codec.String("self"))
	require.True(t, ok)
	require.Same(t, av.(*codec.Table), selfRef.(*codec.Table))
}

func TestFunctionNoUpvalues(t *testing.T) {
	fn := &codec.Function{Name: "worker.square", Mode: codec.UpvalNone}
	got := roundTrip(t, fn)
	gotFn := got.(*codec.Function)
	require.Equal(t, "worker.square", gotFn.Name)
	require.Equal(t, codec.UpvalNone, gotFn.Mode)
}

func TestFunctionCapturedUpvalues(t *testing.T) {
	ups := codec.NewTable("", codec.Int(1), codec.String("captured"))
	fn := &codec.Function{Name: "worker.closure", Mode: codec.UpvalCaptured, Upvalues: ups}
	got := roundTrip(t, fn)
	gotFn := got.(*codec.Function)
	require.Equal(t, codec.UpvalCaptured, gotFn.Mode)
	v, ok := gotFn.Upvalues.Get(codec.Int(1))
	require.True(t, ok)
	require.Equal(t, codec.String("captured"), v)
}

func TestFunctionTooManyUpvaluesWithoutOptInRefused(t *testing.T) {
	ups := codec.NewTable("", codec.Int(1), codec.String("a"), codec.Int(2), codec.String("b"))
	fn := &codec.Function{Name: "worker.bad", Mode: codec.UpvalNone, Upvalues: ups}

	rb := ring.New(4096)
	enc := codec.NewEncoder(rb, codec.ModeInProcess, nil)
	err := enc.Encode(fn)
	require.ErrorIs(t, err, codec.ErrTooManyUpvalues)
}

func TestHandleRoundTripRetains(t *testing.T) {
	handles := codec.NewHandleTable()
	obj := &fakeRetainable{}
	id := handles.Register("Tensor", obj)

	rb := ring.New(4096)
	enc := codec.NewEncoder(rb, codec.ModeInProcess, handles)
	require.NoError(t, enc.Encode(&codec.Handle{TypeName: "Tensor", ID: id}))

	dec := codec.NewDecoder(rb, codec.ModeInProcess, handles, nil)
	got, err := dec.Decode()
	require.NoError(t, err)

	h, ok := got.(*codec.Handle)
	require.True(t, ok)
	require.Equal(t, id, h.ID)
	require.Equal(t, int64(2), obj.retains) // Register + encode-side Retain
}

func TestHandleRefusedOutOfProcess(t *testing.T) {
	handles := codec.NewHandleTable()
	obj := &fakeRetainable{}
	id := handles.Register("Tensor", obj)

	rb := ring.New(4096)
	enc := codec.NewEncoder(rb, codec.ModeOutOfProcess, handles)
	err := enc.Encode(&codec.Handle{TypeName: "Tensor", ID: id})
	require.ErrorIs(t, err, codec.ErrUnsupportedInMode)
}

func TestOutOfBufferRollsBack(t *testing.T) {
	rb := ring.New(4) // too small for even a tag + length
	enc := codec.NewEncoder(rb, codec.ModeInProcess, nil)
	err := enc.Encode(codec.String("this does not fit"))
	require.ErrorIs(t, err, codec.ErrOutOfBuffer)
	require.Equal(t, 0, rb.Readable())
}

type fakeRetainable struct{ retains int64 }

func (f *fakeRetainable) Retain()  { f.retains++ }
func (f *fakeRetainable) Release() {}
