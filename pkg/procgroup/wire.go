package procgroup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame ops exchanged between ranks. Every frame is
// [1 byte op][4 bytes element count][count x 8 bytes float64 payload],
// little-endian throughout. Barrier frames carry an empty payload.
const (
	opArrive byte = iota + 1
	opRelease
	opReduce
	opCombined
)

const (
	wireMagic   uint32 = 0x4d435254 // "MCRT"
	wireVersion uint16 = 1

	frameHeaderLen = 5
	helloLen       = 10
	welcomeLen     = 8
)

func writeFrame(w io.Writer, op byte, vals []float64) error {
	var hdr [frameHeaderLen]byte
	hdr[0] = op
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(vals)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(vals) == 0 {
		return nil
	}
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame, checks that it carries the expected op and
// exactly len(dst) elements, and decodes the payload into dst.
func readFrame(r io.Reader, wantOp byte, dst []float64) error {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != wantOp {
		return fmt.Errorf("unexpected frame op %d, want %d", hdr[0], wantOp)
	}
	count := binary.LittleEndian.Uint32(hdr[1:])
	if int(count) != len(dst) {
		return fmt.Errorf("frame carries %d elements, want %d", count, len(dst))
	}
	if count == 0 {
		return nil
	}
	buf := make([]byte, 8*count)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return nil
}

// sendHello identifies a joining rank to the root:
// [magic][version][rank][size].
func sendHello(w io.Writer, rank, size int) error {
	var data [helloLen]byte
	binary.LittleEndian.PutUint32(data[0:], wireMagic)
	binary.LittleEndian.PutUint16(data[4:], wireVersion)
	binary.LittleEndian.PutUint16(data[6:], uint16(rank))
	binary.LittleEndian.PutUint16(data[8:], uint16(size))
	_, err := w.Write(data[:])
	return err
}

func readHello(r io.Reader) (rank, size int, err error) {
	var data [helloLen]byte
	if _, err = io.ReadFull(r, data[:]); err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(data[0:]) != wireMagic {
		return 0, 0, errors.New("bad magic in greeting")
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != wireVersion {
		return 0, 0, fmt.Errorf("protocol version %d, want %d", v, wireVersion)
	}
	rank = int(binary.LittleEndian.Uint16(data[6:]))
	size = int(binary.LittleEndian.Uint16(data[8:]))
	return rank, size, nil
}

// sendWelcome confirms group membership to a joined rank:
// [magic][version][size].
func sendWelcome(w io.Writer, size int) error {
	var data [welcomeLen]byte
	binary.LittleEndian.PutUint32(data[0:], wireMagic)
	binary.LittleEndian.PutUint16(data[4:], wireVersion)
	binary.LittleEndian.PutUint16(data[6:], uint16(size))
	_, err := w.Write(data[:])
	return err
}

func readWelcome(r io.Reader) (size int, err error) {
	var data [welcomeLen]byte
	if _, err = io.ReadFull(r, data[:]); err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint32(data[0:]) != wireMagic {
		return 0, errors.New("bad magic in greeting reply")
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != wireVersion {
		return 0, fmt.Errorf("protocol version %d, want %d", v, wireVersion)
	}
	return int(binary.LittleEndian.Uint16(data[6:])), nil
}
