package proto

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colocate/internal/ownership"
	"colocate/internal/release"
	"colocate/internal/spatial"
)

func keyframe(n int) Message {
	objects := make([]ObjectState, 0, n)
	for i := 0; i < n; i++ {
		objects = append(objects, ObjectState{
			Object: ownership.Object{ID: ownership.ObjectID(fmt.Sprintf("object-%03d", i)), Owner: "peer-a", Epoch: uint64(i)},
			Pose:   spatial.NewPose(spatial.Vec3{X: float64(i) * 0.25, Y: 1.5}, spatial.Identity),
			Rest:   release.DefaultRestConfig(),
			Body:   release.Hold(),
		})
	}
	return Message{Type: TypeKeyframe, Tick: 42, Objects: objects, Digest: "abc"}
}

func TestCBORFramesCompressAboveThreshold(t *testing.T) {
	small, err := Encode(Heartbeat(1234), FormatCBOR)
	require.NoError(t, err)
	assert.True(t, small.Binary)
	assert.False(t, small.Compressed())

	large, err := Encode(keyframe(64), FormatCBOR)
	require.NoError(t, err)
	assert.True(t, large.Compressed())

	decoded, err := Decode(large)
	require.NoError(t, err)
	assert.Equal(t, Version, decoded.Ver)
	assert.Equal(t, uint64(42), decoded.Tick)
	require.Len(t, decoded.Objects, 64)
	assert.Equal(t, ownership.ObjectID("object-063"), decoded.Objects[63].Object.ID)
	assert.Equal(t, uint64(63), decoded.Objects[63].Object.Epoch)
	assert.InDelta(t, 15.75, decoded.Objects[63].Pose.Position.X, 1e-12)
}

func TestJSONAndCBORCarryTheSameEnvelope(t *testing.T) {
	msg := State("cube", 3, spatial.NewPose(spatial.Vec3{X: 1, Y: 2, Z: 3}, spatial.Identity), release.Hold())
	for _, format := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			frame, err := Encode(msg, format)
			require.NoError(t, err)
			assert.Equal(t, format == FormatCBOR, frame.Binary)

			decoded, err := Decode(frame)
			require.NoError(t, err)
			require.NoError(t, decoded.Validate())
			assert.Equal(t, msg.ObjectID, decoded.ObjectID)
			assert.Equal(t, msg.Epoch, decoded.Epoch)
			require.NotNil(t, decoded.Pose)
			assert.Equal(t, *msg.Pose, *decoded.Pose)
		})
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "empty binary", frame: Frame{Binary: true}},
		{name: "unknown tag", frame: Frame{Binary: true, Data: []byte{0x7f, 0xa0}}},
		{name: "bad zstd", frame: Frame{Binary: true, Data: []byte{tagZstd, 1, 2, 3}}},
		{name: "bad json", frame: Frame{Data: []byte("{")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frame)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeBoundsFrameSize(t *testing.T) {
	bomb := zstdEncoder.EncodeAll(make([]byte, 64<<20), []byte{tagZstd})
	require.Less(t, len(bomb), CompressThreshold*64, "zeros should compress to a small frame")
	_, err := Decode(Frame{Binary: true, Data: bomb})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = Decode(Frame{Data: make([]byte, MaxFrameSize+1)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	frame, err := Encode(keyframe(500), FormatCBOR)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Len(t, decoded.Objects, 500)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	_, err := Decode(Frame{Data: []byte(`{"ver":99,"type":"heartbeat"}`)})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{name: "request", msg: Request("cube", "r1", 1)},
		{name: "request without id", msg: Message{Type: TypeRequest, ObjectID: "cube"}, want: ErrMissingField},
		{name: "state without pose", msg: Message{Type: TypeState, ObjectID: "cube"}, want: ErrMissingField},
		{name: "spawn without object", msg: Message{Type: TypeSpawn}, want: ErrMissingField},
		{name: "missing type", msg: Message{}, want: ErrMissingType},
		{name: "unknown type", msg: Message{Type: "teleport"}, want: ErrUnknownType},
		{name: "heartbeat", msg: Heartbeat(1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)

	format, err = ParseFormat("cbor")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, format)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
