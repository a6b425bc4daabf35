package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ipcmesh/ipcmesh/ring"
)

// Mode selects whether Userdata handles may cross the wire. Out-of-process
// mode (transport connections between separate OS processes) must refuse
// them, per spec §4.2/§9.
type Mode int

const (
	ModeInProcess Mode = iota
	ModeOutOfProcess
)

var (
	// ErrOutOfBuffer mirrors -ENOMEM: the ring could not hold the frame.
	// Callers should roll back (handled internally by Encode) and either
	// grow the ring or block before retrying.
	ErrOutOfBuffer = errors.New("codec: ring buffer exhausted")
	// ErrUnsupportedInMode mirrors -EPERM: the value's kind cannot be
	// serialized under the encoder's current mode.
	ErrUnsupportedInMode = errors.New("codec: value kind not serializable in this mode")
	// ErrMalformed mirrors -EINVAL: an unresolvable handle type or a
	// corrupt frame on read.
	ErrMalformed = errors.New("codec: malformed or unresolvable frame")
	// ErrTooManyUpvalues is returned when a Function has more than one
	// upvalue and the caller did not opt in to capturing them; the codec
	// refuses to silently drop captured state (spec §4.2).
	ErrTooManyUpvalues = errors.New("codec: function has captured upvalues but upvalue capture was not requested")
)

// Encoder serializes Values into a ring.Buffer.
type Encoder struct {
	rb      *ring.Buffer
	mode    Mode
	handles *HandleTable

	visited map[*Table]int
	nextRef int
}

// NewEncoder creates an Encoder writing into rb. handles may be nil if the
// caller never serializes Userdata values.
func NewEncoder(rb *ring.Buffer, mode Mode, handles *HandleTable) *Encoder {
	return &Encoder{rb: rb, mode: mode, handles: handles}
}

// Encode serializes one value as a single ring transaction: on any error the
// ring is rolled back to its pre-call state via PopWritePos.
func (e *Encoder) Encode(v Value) error {
	e.visited = make(map[*Table]int)
	e.nextRef = 0

	e.rb.PushWritePos()
	if err := e.encodeValue(v); err != nil {
		e.rb.PopWritePos()
		return err
	}
	e.rb.Commit()
	return nil
}

func (e *Encoder) writeBytes(p []byte) error {
	if e.rb.Write(p) != len(p) {
		return ErrOutOfBuffer
	}
	return nil
}

func (e *Encoder) writeTag(t Tag) error {
	return e.writeBytes([]byte{byte(int8(t))})
}

func (e *Encoder) writeU64(n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return e.writeBytes(buf[:])
}

func (e *Encoder) writeI32(n int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	return e.writeBytes(buf[:])
}

func (e *Encoder) writeString(s string) error {
	if err := e.writeU64(uint64(len(s))); err != nil {
		return err
	}
	return e.writeBytes([]byte(s))
}

func (e *Encoder) encodeValue(v Value) error {
	switch val := v.(type) {
	case nil, Nil:
		return e.writeTag(TagNil)

	case Bool:
		if err := e.writeTag(TagBool); err != nil {
			return err
		}
		b := byte(0)
		if val {
			b = 1
		}
		return e.writeBytes([]byte{b})

	case Number:
		if err := e.writeTag(TagNumber); err != nil {
			return err
		}
		return e.writeU64(math.Float64bits(float64(val)))

	case Int:
		if err := e.writeTag(TagInt); err != nil {
			return err
		}
		return e.writeU64(uint64(int64(val)))

	case String:
		if err := e.writeTag(TagString); err != nil {
			return err
		}
		return e.writeString(string(val))

	case *Table:
		return e.encodeTable(val)

	case *Function:
		return e.encodeFunction(val)

	case *Handle:
		return e.encodeHandle(val)

	default:
		return fmt.Errorf("%w: unknown value type %T", ErrUnsupportedInMode, v)
	}
}

func (e *Encoder) encodeTable(t *Table) error {
	if id, ok := e.visited[t]; ok {
		if err := e.writeTag(TagRef); err != nil {
			return err
		}
		return e.writeU64(uint64(id))
	}
	id := e.nextRef
	e.nextRef++
	e.visited[t] = id

	if err := e.writeTag(TagTable); err != nil {
		return err
	}
	for _, p := range t.Pairs {
		if err := e.encodeValue(p.Key); err != nil {
			return err
		}
		if err := e.encodeValue(p.Value); err != nil {
			return err
		}
	}
	if err := e.writeTag(TagNil); err != nil {
		return err
	}
	return e.writeString(t.Metatable)
}

// chunkSize mirrors the original library's 8KiB function-dump chunking; our
// "chunk-framed code" carries a registered name instead of bytecode (see
// SPEC_FULL.md §0) but keeps the same on-wire chunk/terminator shape so a
// reader need not know in advance how the payload was produced.
const chunkSize = 8192

func (e *Encoder) writeChunked(payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > chunkSize {
			n = chunkSize
		}
		if err := e.writeU64(uint64(n)); err != nil {
			return err
		}
		if err := e.writeBytes(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return e.writeU64(0)
}

func (e *Encoder) encodeFunction(fn *Function) error {
	if err := e.writeTag(TagFunction); err != nil {
		return err
	}
	if err := e.writeChunked([]byte(fn.Name)); err != nil {
		return err
	}

	if fn.Mode == UpvalNone && fn.Upvalues != nil && len(fn.Upvalues.Pairs) > 1 {
		return ErrTooManyUpvalues
	}

	if err := e.writeI32(int32(fn.Mode)); err != nil {
		return err
	}
	switch fn.Mode {
	case UpvalNone:
		return nil
	case UpvalEnvOnly:
		return e.writeI32(int32(fn.EnvSlot))
	case UpvalCaptured:
		up := fn.Upvalues
		if up == nil {
			up = &Table{}
		}
		return e.encodeTable(up)
	default:
		return fmt.Errorf("%w: unknown upvalue mode %d", ErrMalformed, fn.Mode)
	}
}

func (e *Encoder) encodeHandle(h *Handle) error {
	if e.mode == ModeOutOfProcess {
		return fmt.Errorf("%w: userdata cannot cross process boundary", ErrUnsupportedInMode)
	}

	tag := TagUserdata
	if h.Negated {
		tag = -TagUserdata
	}
	if err := e.writeTag(tag); err != nil {
		return err
	}
	if err := e.writeString(h.TypeName); err != nil {
		return err
	}
	if err := e.writeU64(uint64(h.ID)); err != nil {
		return err
	}
	if e.handles != nil {
		if err := e.handles.Retain(h.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}
