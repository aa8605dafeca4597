package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

type CellKind uint8

const (
	KindNull CellKind = iota
	KindInteger
	KindFloat
	KindString
	KindBoolean
	KindBinary
	KindNested
)

func (k CellKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBoolean:
		return "boolean"
	case KindBinary:
		return "binary"
	case KindNested:
		return "nested"
	default:
		return "unknown"
	}
}

// Cell is a single value of a result row. Only the field matching Kind is set.
// Nested holds []Cell for lists and map[string]Cell for structs and maps.
type Cell struct {
	Kind   CellKind
	Int    int64
	Float  float64
	Str    string
	Bool   bool
	Bytes  []byte
	Nested any
}

func Null() Cell { return Cell{Kind: KindNull} }
func Int(v int64) Cell { return Cell{Kind: KindInteger, Int: v} }
func Float(v float64) Cell { return Cell{Kind: KindFloat, Float: v} }
func String(v string) Cell { return Cell{Kind: KindString, Str: v} }
func Bool(v bool) Cell { return Cell{Kind: KindBoolean, Bool: v} }
func Binary(v []byte) Cell { return Cell{Kind: KindBinary, Bytes: v} }
func List(v []Cell) Cell { return Cell{Kind: KindNested, Nested: v} }
func Struct(v map[string]Cell) Cell { return Cell{Kind: KindNested, Nested: v} }

func (c Cell) IsNull() bool { return c.Kind == KindNull }

// Value returns the cell as a plain Go value.
func (c Cell) Value() any {
	switch c.Kind {
	case KindInteger:
		return c.Int
	case KindFloat:
		return c.Float
	case KindString:
		return c.Str
	case KindBoolean:
		return c.Bool
	case KindBinary:
		return c.Bytes
	case KindNested:
		switch nested := c.Nested.(type) {
		case []Cell:
			out := make([]any, len(nested))
			for i, item := range nested {
				out[i] = item.Value()
			}
			return out
		case map[string]Cell:
			out := make(map[string]any, len(nested))
			for key, item := range nested {
				out[key] = item.Value()
			}
			return out
		}
		return nil
	default:
		return nil
	}
}

// Text renders the cell for display and for string-typed metadata columns.
func (c Cell) Text() string {
	switch c.Kind {
	case KindNull:
		return ""
	case KindInteger:
		return strconv.FormatInt(c.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case KindString:
		return c.Str
	case KindBoolean:
		return strconv.FormatBool(c.Bool)
	case KindBinary:
		return base64.StdEncoding.EncodeToString(c.Bytes)
	default:
		raw, err := json.Marshal(c.Value())
		if err != nil {
			return fmt.Sprint(c.Value())
		}
		return string(raw)
	}
}

// Truthy reports a boolean reading of the cell; metadata tables sometimes return flags as text.
func (c Cell) Truthy() bool {
	switch c.Kind {
	case KindBoolean:
		return c.Bool
	case KindInteger:
		return c.Int != 0
	case KindString:
		parsed, err := strconv.ParseBool(c.Str)
		return err == nil && parsed
	default:
		return false
	}
}

func (c Cell) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value())
}
