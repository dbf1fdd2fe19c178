package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/replaykit/retrace/pkg/event"
	"github.com/replaykit/retrace/pkg/system"
)

// Frame is one record in the events substream: one observable
// occurrence in one tracee.
type Frame struct {
	Time         FrameTime
	Tid          int32
	Event        event.Event
	Ticks        Ticks
	MonotonicSec float64

	// Recorded register state; meaningful only when the event has
	// execution info.
	Regs      system.Registers
	ExtraRegs system.ExtraRegisters
}

func NewFrame(t FrameTime, tid int32, ev event.Event, ticks Ticks, monotonicSec float64) Frame {
	return Frame{
		Time:         t,
		Tid:          tid,
		Event:        ev,
		Ticks:        ticks,
		MonotonicSec: monotonicSec,
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{time=%d tid=%d ticks=%d ev=%s}", f.Time, f.Tid, f.Ticks, f.Event.String())
}

// Fixed-width little-endian primitives shared by the substream codecs.

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeI32(w io.Writer, v int32) error { return writeU32(w, uint32(v)) }

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeI64(w io.Writer, v int64) error { return writeU64(w, uint64(v)) }

func writeF64(w io.Writer, v float64) error {
	return writeU64(w, math.Float64bits(v))
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeStrings(w io.Writer, items []string) error {
	if err := writeU32(w, uint32(len(items))); err != nil {
		return err
	}
	for _, item := range items {
		if err := writeString(w, item); err != nil {
			return err
		}
	}
	return nil
}

func readU8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readI32(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readF64(r io.Reader) (float64, error) {
	v, err := readU64(r)
	return math.Float64frombits(v), err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readStrings(r io.Reader) ([]string, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	items := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, nil
}
