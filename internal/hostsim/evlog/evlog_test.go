package evlog

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf)
	require.NoError(t, err)

	require.NoError(t, enc.Write(Event{Kind: EventAck}))
	require.NoError(t, enc.Write(Event{
		Kind:                   EventAllocatePhysicalMemory,
		AllocatePhysicalMemory: &AllocateMemory{Size: 0x1000, Address: 0x200000, Alignment: 0x1000, Tag: 7},
	}))
	require.NoError(t, enc.Write(Event{
		Kind:         EventScheduleTask,
		ScheduleTask: &ScheduleTask{ThreadID: 42, CPUID: 2, AtTickNs: 123456},
	}))

	dec, err := NewDecoder(&buf, logrus.New())
	require.NoError(t, err)
	require.Equal(t, streamVersion, dec.Version())

	ev1, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, EventAck, ev1.Kind)

	ev2, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, EventAllocatePhysicalMemory, ev2.Kind)
	require.Equal(t, uint64(0x1000), ev2.AllocatePhysicalMemory.Size)
	require.Equal(t, uint32(7), ev2.AllocatePhysicalMemory.Tag)

	ev3, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, EventScheduleTask, ev3.Kind)
	require.Equal(t, uint64(42), ev3.ScheduleTask.ThreadID)

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("XXXX")
	_, err := ReadHeader(buf)
	require.Error(t, err)
}

func TestDecoderRejectsUnknownEventKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf))
	buf.WriteByte(0xFF)

	dec, err := NewDecoder(&buf, nil)
	require.NoError(t, err)

	_, err = dec.Next()
	require.Error(t, err)
}

func TestEventKindString(t *testing.T) {
	require.Equal(t, "ack", EventAck.String())
	require.Equal(t, "schedule_task", EventScheduleTask.String())
	require.Contains(t, EventKind(0xFE).String(), "unknown_event")
}
