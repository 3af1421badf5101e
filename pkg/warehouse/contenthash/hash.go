// Package contenthash computes the content digest used for dimension change
// detection. Two row versions are the same iff their digests are equal.
package contenthash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/spaolacci/murmur3"
)

// Digest computes a deterministic digest over values in the given order.
// Uses a length-delimited, type-tagged encoding so that NULL, the empty
// string, and any legitimate value can never collide, and so that the result
// is stable across processes and runs.
// Format: typeTag + ":" + length + ":" + payload for each value, then hash.
func Digest(values []any) string {
	var buf bytes.Buffer
	for _, val := range values {
		if val == nil {
			buf.WriteString("nil:0:")
			continue
		}

		valType := reflect.TypeOf(val)
		typeTag := valType.String()

		var payload []byte
		switch v := val.(type) {
		case string:
			payload = []byte(v)
		case int, int8, int16, int32, int64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(reflect.ValueOf(v).Int()))
			payload = b[:]
		case uint, uint8, uint16, uint32, uint64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], reflect.ValueOf(v).Uint())
			payload = b[:]
		case float32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
			payload = b[:]
		case float64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			payload = b[:]
		case bool:
			if v {
				payload = []byte{1}
			} else {
				payload = []byte{0}
			}
		case time.Time:
			// RFC3339Nano in UTC for deterministic time encoding
			payload = []byte(v.UTC().Format(time.RFC3339Nano))
		case []byte:
			payload = v
		default:
			// Fallback to string representation for unknown types
			payload = []byte(fmt.Sprintf("%v", v))
		}

		buf.WriteString(typeTag)
		buf.WriteString(":")
		buf.WriteString(fmt.Sprintf("%d", len(payload)))
		buf.WriteString(":")
		buf.Write(payload)
	}

	h1, h2 := murmur3.Sum128(buf.Bytes())
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// RowDigest computes the digest of a row over the tracked columns, in the
// configured column order. Columns outside tracked never affect the result;
// a missing tracked column hashes like NULL.
func RowDigest(row map[string]any, tracked []string) string {
	values := make([]any, len(tracked))
	for i, col := range tracked {
		values[i] = row[col]
	}
	return Digest(values)
}
