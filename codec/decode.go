package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ipcmesh/ipcmesh/ring"
)

// Decoder deserializes Values out of a ring.Buffer.
type Decoder struct {
	rb      *ring.Buffer
	mode    Mode
	handles *HandleTable
	funcs   *FuncRegistry

	refs []*Table
}

// NewDecoder creates a Decoder reading from rb. funcs is stored on the
// Decoder and may be nil; Decode does not consult it, so a decoded Function
// carries only its Name and callers look it up in a FuncRegistry themselves.
func NewDecoder(rb *ring.Buffer, mode Mode, handles *HandleTable, funcs *FuncRegistry) *Decoder {
	return &Decoder{rb: rb, mode: mode, handles: handles, funcs: funcs}
}

// Decode reads and returns one value.
func (d *Decoder) Decode() (Value, error) {
	d.refs = nil
	return d.decodeValue()
}

func (d *Decoder) readBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if d.rb.Read(buf) != n {
		return nil, ErrOutOfBuffer
	}
	return buf, nil
}

func (d *Decoder) readTag() (Tag, error) {
	b, err := d.readBytes(1)
	if err != nil {
		return 0, err
	}
	return Tag(int8(b[0])), nil
}

func (d *Decoder) readU64() (uint64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Decoder) readI32() (int32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (d *Decoder) readString() (string, error) {
	n, err := d.readU64()
	if err != nil {
		return "", err
	}
	b, err := d.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) decodeValue() (Value, error) {
	tag, err := d.readTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagNil:
		return Nil{}, nil

	case TagBool:
		b, err := d.readBytes(1)
		if err != nil {
			return nil, err
		}
		return Bool(b[0] != 0), nil

	case TagNumber:
		bits, err := d.readU64()
		if err != nil {
			return nil, err
		}
		return Number(math.Float64frombits(bits)), nil

	case TagInt:
		n, err := d.readU64()
		if err != nil {
			return nil, err
		}
		return Int(int64(n)), nil

	case TagString:
		s, err := d.readString()
		if err != nil {
			return nil, err
		}
		return String(s), nil

	case TagTable:
		return d.decodeTable()

	case TagRef:
		id, err := d.readU64()
		if err != nil {
			return nil, err
		}
		if int(id) >= len(d.refs) {
			return nil, fmt.Errorf("%w: table ref %d out of range", ErrMalformed, id)
		}
		return d.refs[id], nil

	case TagFunction:
		return d.decodeFunction()

	case TagUserdata, -TagUserdata:
		return d.decodeHandle(tag)

	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, tag)
	}
}

func (d *Decoder) decodeTable() (Value, error) {
	t := &Table{}
	d.refs = append(d.refs, t)

	for {
		key, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		if _, isNil := key.(Nil); isNil {
			break
		}
		val, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		t.Pairs = append(t.Pairs, Pair{Key: key, Value: val})
	}

	meta, err := d.readString()
	if err != nil {
		return nil, err
	}
	t.Metatable = meta
	return t, nil
}

func (d *Decoder) readChunked() ([]byte, error) {
	var out []byte
	for {
		n, err := d.readU64()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		chunk, err := d.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

func (d *Decoder) decodeFunction() (Value, error) {
	name, err := d.readChunked()
	if err != nil {
		return nil, err
	}

	modeRaw, err := d.readI32()
	if err != nil {
		return nil, err
	}
	mode := UpvalueMode(modeRaw)

	fn := &Function{Name: string(name), Mode: mode}

	switch mode {
	case UpvalNone:
	case UpvalEnvOnly:
		slot, err := d.readI32()
		if err != nil {
			return nil, err
		}
		fn.EnvSlot = int(slot)
	case UpvalCaptured:
		v, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		table, ok := v.(*Table)
		if !ok {
			return nil, fmt.Errorf("%w: function upvalues frame is not a table", ErrMalformed)
		}
		fn.Upvalues = table
	default:
		return nil, fmt.Errorf("%w: unknown upvalue mode %d", ErrMalformed, mode)
	}

	return fn, nil
}

func (d *Decoder) decodeHandle(tag Tag) (Value, error) {
	if d.mode == ModeOutOfProcess {
		return nil, fmt.Errorf("%w: userdata cannot cross process boundary", ErrUnsupportedInMode)
	}

	typeName, err := d.readString()
	if err != nil {
		return nil, err
	}
	idRaw, err := d.readU64()
	if err != nil {
		return nil, err
	}

	h := &Handle{TypeName: typeName, ID: HandleID(idRaw), Negated: tag < 0}
	if d.handles != nil {
		if _, _, ok := d.handles.Lookup(h.ID); !ok {
			return nil, fmt.Errorf("%w: handle %d not registered locally", ErrMalformed, h.ID)
		}
	}
	return h, nil
}
