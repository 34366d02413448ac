package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Format selects how a connection encodes envelopes.
type Format string

const (
	// FormatJSON sends text frames. It is the default so that browser and
	// debugging clients can talk to the relay directly.
	FormatJSON Format = "json"
	// FormatCBOR sends binary frames: a one-byte compression tag followed
	// by a deterministic CBOR envelope.
	FormatCBOR Format = "cbor"
)

// ParseFormat maps a query or config value to a Format.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("proto: unknown format %q", value)
	}
}

// CompressThreshold is the CBOR payload size above which binary frames are
// zstd-compressed. Keyframes with many objects cross it; pose updates don't.
const CompressThreshold = 1024

// MaxFrameSize bounds a websocket message as read off the connection and the
// decompressed payload of a binary frame.
const MaxFrameSize = 8 << 20

const (
	tagRaw  byte = 0x00
	tagZstd byte = 0x01
)

// Frame is one websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Compressed reports whether a binary frame carries a zstd payload.
func (f Frame) Compressed() bool {
	return f.Binary && len(f.Data) > 0 && f.Data[0] == tagZstd
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proto: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("proto: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("proto: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxFrameSize),
		zstd.WithDecoderMaxWindow(MaxFrameSize),
	)
	if err != nil {
		panic("proto: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode renders msg in format.
func Encode(msg Message, format Format) (Frame, error) {
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	switch format {
	case FormatCBOR:
		payload, err := encMode.Marshal(msg)
		if err != nil {
			return Frame{}, fmt.Errorf("proto: encode %s: %w", msg.Type, err)
		}
		if len(payload) > CompressThreshold {
			data := make([]byte, 1, len(payload)/2+1)
			data[0] = tagZstd
			return Frame{Binary: true, Data: zstdEncoder.EncodeAll(payload, data)}, nil
		}
		data := make([]byte, 0, len(payload)+1)
		data = append(data, tagRaw)
		return Frame{Binary: true, Data: append(data, payload...)}, nil
	default:
		data, err := json.Marshal(msg)
		if err != nil {
			return Frame{}, fmt.Errorf("proto: encode %s: %w", msg.Type, err)
		}
		return Frame{Data: data}, nil
	}
}

// Decode parses a frame of either format. Binary frames are CBOR, text
// frames are JSON.
func Decode(frame Frame) (Message, error) {
	var msg Message
	if len(frame.Data) > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame.Data))
	}
	if !frame.Binary {
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return msg, checkVersion(msg)
	}
	if len(frame.Data) == 0 {
		return Message{}, fmt.Errorf("%w: empty binary frame", ErrMalformedFrame)
	}
	payload := frame.Data[1:]
	switch frame.Data[0] {
	case tagRaw:
	case tagZstd:
		decompressed, err := zstdDecoder.DecodeAll(payload, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return Message{}, fmt.Errorf("%w: zstd: %w", ErrFrameTooLarge, err)
		}
		if err != nil {
			return Message{}, fmt.Errorf("%w: zstd: %w", ErrMalformedFrame, err)
		}
		payload = decompressed
	default:
		return Message{}, fmt.Errorf("%w: compression tag 0x%02x", ErrMalformedFrame, frame.Data[0])
	}
	if err := decMode.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return msg, checkVersion(msg)
}

func checkVersion(msg Message) error {
	if msg.Ver > Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.Ver)
	}
	return nil
}
