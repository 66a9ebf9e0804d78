// Package fluent holds the Fluent Forward wire types shared by the forward
// output and the Fluent Forward input.
package fluent

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EventTimeExt is the msgpack extension id of EventTime.
const EventTimeExt = 0

func init() {
	// Registration is process-wide: a second RegisterExt for the same id
	// replaces the first, so only this package registers it.
	msgpack.RegisterExt(EventTimeExt, (*EventTime)(nil))
}

// EventTime is the Fluent Forward timestamp: 4-byte big-endian seconds
// followed by 4-byte big-endian nanoseconds.
type EventTime struct {
	time.Time
}

func (et *EventTime) MarshalMsgpack() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(et.Unix()))
	binary.BigEndian.PutUint32(b[4:8], uint32(et.Nanosecond()))
	return b, nil
}

func (et *EventTime) UnmarshalMsgpack(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("eventtime: expected 8 bytes, got %d", len(b))
	}
	sec := binary.BigEndian.Uint32(b[0:4])
	nsec := binary.BigEndian.Uint32(b[4:8])
	et.Time = time.Unix(int64(sec), int64(nsec))
	return nil
}

// DecodeTime decodes an entry time: integer Unix seconds, a float, or an
// EventTime.
func DecodeTime(dec *msgpack.Decoder) (time.Time, error) {
	v, err := dec.DecodeInterface()
	if err != nil {
		return time.Time{}, err
	}
	switch v := v.(type) {
	case int8:
		return time.Unix(int64(v), 0), nil
	case int16:
		return time.Unix(int64(v), 0), nil
	case int32:
		return time.Unix(int64(v), 0), nil
	case int64:
		return time.Unix(v, 0), nil
	case uint8:
		return time.Unix(int64(v), 0), nil
	case uint16:
		return time.Unix(int64(v), 0), nil
	case uint32:
		return time.Unix(int64(v), 0), nil
	case uint64:
		return time.Unix(int64(v), 0), nil
	case float64:
		sec := int64(v)
		return time.Unix(sec, int64((v-float64(sec))*1e9)), nil
	case *EventTime:
		return v.Time, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time type: %T", v)
	}
}
