// Package codec implements the typed value wire format shared by channel,
// workqueue, mappool and transport: a one-byte tag followed by a
// tag-specific frame, written into and read out of a ring.Buffer.
package codec

import "fmt"

// Tag identifies the kind of the value that follows it on the wire. It is
// carried on the wire as a single signed byte so that Userdata can be
// negated to signal a fallback (unregistered) type name, per spec.
type Tag int8

const (
	TagNil Tag = iota
	TagBool
	TagNumber
	TagString
	TagTable
	TagFunction
	TagUserdata
	TagRef // back-reference to an already-encoded Table, for cycles/sharing
	TagInt = 127
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "nil"
	case TagBool:
		return "bool"
	case TagNumber:
		return "number"
	case TagInt:
		return "int"
	case TagString:
		return "string"
	case TagTable:
		return "table"
	case TagFunction:
		return "function"
	case TagRef:
		return "ref"
	default:
		if t == TagUserdata || t == -TagUserdata {
			return "userdata"
		}
		return fmt.Sprintf("tag(%d)", int8(t))
	}
}

// Value is any wire-serializable value: Nil, Bool, Number, Int, String,
// *Table, *Function, or *Handle.
type Value interface {
	isValue()
}

type Nil struct{}

func (Nil) isValue() {}

type Bool bool

func (Bool) isValue() {}

type Number float64

func (Number) isValue() {}

// Int is a host-native signed integer, distinguished on the wire from
// Number by TagInt (byte value 127), per spec §4.2.
type Int int64

func (Int) isValue() {}

type String string

func (String) isValue() {}

// Table is an ordered association list plus an optional metatable (type)
// name. It is always carried by pointer so that two references to the same
// Table are observably the same object, which is what lets the codec share
// cyclic structures by identity instead of looping forever (see DESIGN.md).
type Table struct {
	Pairs     []Pair
	Metatable string
}

func (*Table) isValue() {}

type Pair struct {
	Key   Value
	Value Value
}

// NewTable builds a Table from alternating key/value arguments.
func NewTable(metatable string, kv ...Value) *Table {
	t := &Table{Metatable: metatable}
	for i := 0; i+1 < len(kv); i += 2 {
		t.Pairs = append(t.Pairs, Pair{Key: kv[i], Value: kv[i+1]})
	}
	return t
}

func (t *Table) Get(key Value) (Value, bool) {
	for _, p := range t.Pairs {
		if valuesEqual(p.Key, key) {
			return p.Value, true
		}
	}
	return nil, false
}

func (t *Table) Set(key, value Value) {
	for i, p := range t.Pairs {
		if valuesEqual(p.Key, key) {
			t.Pairs[i].Value = value
			return
		}
	}
	t.Pairs = append(t.Pairs, Pair{Key: key, Value: value})
}

func (t *Table) Len() int { return len(t.Pairs) }

func valuesEqual(a, b Value) bool {
	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	default:
		return false
	}
}

// UpvalueMode distinguishes the three function-serialization outcomes of
// spec §4.2.
type UpvalueMode int

const (
	// UpvalNone: the function captures no upvalues; plain code only.
	UpvalNone UpvalueMode = iota
	// UpvalEnvOnly: the function's only upvalue is the implicit
	// environment, which is elided and re-bound on load.
	UpvalEnvOnly
	// UpvalCaptured: the caller opted in to capturing real upvalues.
	UpvalCaptured
)

// Function is a registered-name reference to executable code (see
// SPEC_FULL.md §0 for why: Go has no embedded bytecode VM to dump/load, so
// "chunk-framed code" becomes a lookup key into a FuncRegistry shared by
// sender and receiver) plus its upvalue-capture mode and, if captured, the
// upvalues themselves as a Table keyed by slot index.
type Function struct {
	Name     string
	Mode     UpvalueMode
	EnvSlot  int // meaningful only when Mode == UpvalEnvOnly
	Upvalues *Table
}

func (*Function) isValue() {}

// Handle is an opaque reference to a reference-counted object living in the
// process-wide HandleTable (spec §9's memory-safe replacement for raw
// pointer passthrough).
type Handle struct {
	TypeName string
	ID       HandleID
	// Negated records that TypeName came from a metatablename() fallback
	// rather than a pre-registered type, mirroring the wire's negated tag.
	Negated bool
}

func (*Handle) isValue() {}
