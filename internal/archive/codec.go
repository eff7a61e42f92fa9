package archive

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

const segmentVersion = 1

// segment is the on-disk form of one day of delivered messages.
type segment struct {
	Version  int               `cbor:"1,keyasint"`
	Day      string            `cbor:"2,keyasint"`
	Messages []message.Message `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("archive: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("archive: cbor decoder: " + err.Error())
	}
}

// codec holds the zstd coders. Both are safe for concurrent EncodeAll and
// DecodeAll calls.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) encode(s segment) ([]byte, error) {
	raw, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding segment %s: %w", s.Day, err)
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// decode returns errCorruptSegment wrapped with the cause when the data
// cannot be decompressed, parsed or validated.
func (c *codec) decode(data []byte, day string) (segment, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return segment{}, fmt.Errorf("%w: decompress: %v", errCorruptSegment, err)
	}
	var s segment
	if err := decMode.Unmarshal(raw, &s); err != nil {
		return segment{}, fmt.Errorf("%w: decode: %v", errCorruptSegment, err)
	}
	if s.Version != segmentVersion {
		return segment{}, fmt.Errorf("%w: version %d", errCorruptSegment, s.Version)
	}
	if s.Day != day {
		return segment{}, fmt.Errorf("%w: holds day %q", errCorruptSegment, s.Day)
	}
	for i := range s.Messages {
		m := &s.Messages[i]
		if err := m.Validate(); err != nil {
			return segment{}, fmt.Errorf("%w: %v", errCorruptSegment, err)
		}
		if m.Status != message.StatusDelivered || dayKey(*m.DeliveredAt) != day {
			return segment{}, fmt.Errorf("%w: message %d does not belong to %s", errCorruptSegment, m.ID, day)
		}
	}
	return s, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
