// Package keys provides deterministic encoding and hashing of natural key
// tuples, and the surrogate key sequence used by the delta engine.
package keys

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeebo/xxh3"
)

// Encode serializes a tuple of values into a deterministic byte string.
// Each value is written as typeTag:length:payload so that ("a", "b:c") and
// ("a:b", "c") encode differently. Two tuples encode to the same bytes only
// when they are value-equal, which makes the encoding usable as an exact map
// key for hash joins and staging indexes.
func Encode(values ...any) []byte {
	buf := make([]byte, 0, 16*len(values))
	for _, val := range values {
		if val == nil {
			buf = append(buf, "nil:0:"...)
			continue
		}

		var tag string
		var payload []byte
		switch v := val.(type) {
		case string:
			tag = "s"
			payload = []byte(v)
		case []byte:
			tag = "b"
			payload = v
		case int:
			tag = "i"
			payload = appendUint64(nil, uint64(v))
		case int16:
			tag = "i"
			payload = appendUint64(nil, uint64(v))
		case int32:
			tag = "i"
			payload = appendUint64(nil, uint64(v))
		case int64:
			tag = "i"
			payload = appendUint64(nil, uint64(v))
		case float32:
			tag = "f"
			payload = appendUint64(nil, math.Float64bits(float64(v)))
		case float64:
			tag = "f"
			payload = appendUint64(nil, math.Float64bits(v))
		case bool:
			tag = "t"
			if v {
				payload = []byte{1}
			} else {
				payload = []byte{0}
			}
		case time.Time:
			tag = "d"
			payload = []byte(v.UTC().Format(time.RFC3339Nano))
		case uuid.UUID:
			tag = "g"
			payload = v[:]
		case decimal.Decimal:
			tag = "n"
			payload = []byte(v.String())
		default:
			tag = "v"
			payload = []byte(fmt.Sprintf("%v", v))
		}

		buf = append(buf, tag...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(len(payload)), 10)
		buf = append(buf, ':')
		buf = append(buf, payload...)
	}
	return buf
}

// Hash returns a 64-bit hash of the encoded tuple, used to bucket join keys
// and as a fast inequality check for tracking fields. Equal hashes do not
// imply equal tuples; callers needing exactness compare the encodings.
func Hash(values ...any) uint64 {
	return xxh3.Hash(Encode(values...))
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
