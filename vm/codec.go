package vm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
)

// Typed TLV codec for the serializable subset of the value algebra: nil,
// bool, int, float, string, bytes, array, map, pid. Used by checkpoint
// payloads. Multi-byte fields are little-endian. Cyclic structures cannot be
// built by the instruction set, so the encoder does not track identity (v1).

const (
	tagNil    = byte(0)
	tagBool   = byte(1)
	tagInt    = byte(2)
	tagFloat  = byte(3)
	tagString = byte(4)
	tagBytes  = byte(5)
	tagArray  = byte(6)
	tagMap    = byte(7)
	tagPID    = byte(8)
)

var (
	ErrCodecUnsupported = fmt.Errorf("value kind is not serializable")
	ErrCodecTruncated   = fmt.Errorf("truncated value payload")
	ErrCodecTag         = fmt.Errorf("unknown value tag")
)

// Encode appends the TLV form of v to the buffer.
func Encode(v Value, b *lib.Buffer) error {
	switch v.Kind() {
	case KindNil:
		b.AppendByte(tagNil)
	case KindBool:
		b.AppendByte(tagBool)
		if v.AsBool() {
			b.AppendByte(1)
		} else {
			b.AppendByte(0)
		}
	case KindInt:
		b.AppendByte(tagInt)
		binary.LittleEndian.PutUint64(b.Extend(8), uint64(v.AsInt()))
	case KindFloat:
		b.AppendByte(tagFloat)
		binary.LittleEndian.PutUint64(b.Extend(8), math.Float64bits(v.AsFloat()))
	case KindString:
		b.AppendByte(tagString)
		s := v.AsString()
		binary.LittleEndian.PutUint32(b.Extend(4), uint32(len(s)))
		b.AppendString(s)
	case KindBytes:
		b.AppendByte(tagBytes)
		raw := v.AsBytes()
		binary.LittleEndian.PutUint32(b.Extend(4), uint32(len(raw)))
		b.Append(raw)
	case KindArray:
		b.AppendByte(tagArray)
		items := v.Array().Items
		binary.LittleEndian.PutUint32(b.Extend(4), uint32(len(items)))
		for _, it := range items {
			if err := Encode(it, b); err != nil {
				return err
			}
		}
	case KindMap:
		b.AppendByte(tagMap)
		entries := v.Map().Entries
		binary.LittleEndian.PutUint32(b.Extend(4), uint32(len(entries)))
		for k, mv := range entries {
			if err := Encode(k.Value(), b); err != nil {
				return err
			}
			if err := Encode(mv, b); err != nil {
				return err
			}
		}
	case KindPID:
		b.AppendByte(tagPID)
		binary.LittleEndian.PutUint64(b.Extend(8), uint64(v.AsPID()))
	default:
		return fmt.Errorf("%w: %s", ErrCodecUnsupported, v.Kind())
	}
	return nil
}

// Decode reads one value from data and returns it with the number of bytes
// consumed.
func Decode(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Nil(), 0, ErrCodecTruncated
	}
	tag := data[0]
	rest := data[1:]
	switch tag {
	case tagNil:
		return Nil(), 1, nil
	case tagBool:
		if len(rest) < 1 {
			return Nil(), 0, ErrCodecTruncated
		}
		return Bool(rest[0] != 0), 2, nil
	case tagInt:
		if len(rest) < 8 {
			return Nil(), 0, ErrCodecTruncated
		}
		return Int(int64(binary.LittleEndian.Uint64(rest))), 9, nil
	case tagFloat:
		if len(rest) < 8 {
			return Nil(), 0, ErrCodecTruncated
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(rest))), 9, nil
	case tagString, tagBytes:
		if len(rest) < 4 {
			return Nil(), 0, ErrCodecTruncated
		}
		n := int(binary.LittleEndian.Uint32(rest))
		if len(rest) < 4+n {
			return Nil(), 0, ErrCodecTruncated
		}
		raw := rest[4 : 4+n]
		if tag == tagString {
			return Str(string(raw)), 5 + n, nil
		}
		cp := make([]byte, n)
		copy(cp, raw)
		return Bytes(cp), 5 + n, nil
	case tagArray:
		if len(rest) < 4 {
			return Nil(), 0, ErrCodecTruncated
		}
		count := int(binary.LittleEndian.Uint32(rest))
		consumed := 5
		items := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			item, n, err := Decode(data[consumed:])
			if err != nil {
				return Nil(), 0, err
			}
			items = append(items, item)
			consumed += n
		}
		return NewArray(items), consumed, nil
	case tagMap:
		if len(rest) < 4 {
			return Nil(), 0, ErrCodecTruncated
		}
		count := int(binary.LittleEndian.Uint32(rest))
		consumed := 5
		m := NewMap()
		entries := m.Map().Entries
		for i := 0; i < count; i++ {
			kv, n, err := Decode(data[consumed:])
			if err != nil {
				return Nil(), 0, err
			}
			consumed += n
			mv, n, err := Decode(data[consumed:])
			if err != nil {
				return Nil(), 0, err
			}
			consumed += n
			key, ok := kv.Key()
			if !ok {
				return Nil(), 0, fmt.Errorf("%w: non-scalar map key", ErrCodecTag)
			}
			entries[key] = mv
		}
		return m, consumed, nil
	case tagPID:
		if len(rest) < 8 {
			return Nil(), 0, ErrCodecTruncated
		}
		return PIDValue(gen.PID(binary.LittleEndian.Uint64(rest))), 9, nil
	}
	return Nil(), 0, fmt.Errorf("%w: %d", ErrCodecTag, tag)
}
