package cloid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/howeyc/crc16"
)

// Cloid is a 16 byte client order identifier submitted with venue actions so
// locally originated orders can be recognized in order-update streams.
type Cloid struct {
	CreatedAt time.Time
	Entropy   [6]byte
}

// New draws a fresh identifier stamped with the current time.
func New() Cloid {
	c := Cloid{CreatedAt: time.Now()}
	if _, err := rand.Read(c.Entropy[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("cloid entropy: %v", err))
	}
	return c
}

func (c Cloid) HexAsPointer() *string {
	hex := c.Hex()
	return &hex
}

func (c Cloid) Hex() string {
	return "0x" + hex.EncodeToString(c.Bytes())
}

// Bytes returns the 16 byte representation of the identifier.
// All components are BigEndian encoded as:
// 6 bytes of random entropy
// 6 bytes of the creation time in unix milliseconds (low 48 bits)
// 2 zero bytes reserved
// 2 bytes of a CRC16 over the preceding bytes
func (c Cloid) Bytes() []byte {
	out := make([]byte, 0, 16)

	out = append(out, c.Entropy[:]...)

	ms := uint64(c.CreatedAt.UTC().UnixMilli())
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms)
	out = append(out, ts[2:8]...)

	out = append(out, 0x00, 0x00)
	out = binary.BigEndian.AppendUint16(out, crc16.Checksum(out, crc16.IBMTable))

	return out
}

var ErrHexTooShort error = fmt.Errorf("hex data too short")
var ErrIncorrectChecksum error = fmt.Errorf("checksum does not match")

// FromBytes returns a Cloid from the provided bytes. If the CRC16 checksum
// does not pass an error is returned. The time is loaded with UTC.
func FromBytes(v []byte) (*Cloid, error) {
	if len(v) != 16 {
		return nil, ErrHexTooShort
	}

	if crc16.Checksum(v[0:14], crc16.IBMTable) != binary.BigEndian.Uint16(v[14:16]) {
		return nil, ErrIncorrectChecksum
	}

	c := &Cloid{}
	copy(c.Entropy[:], v[0:6])

	var ts [8]byte
	copy(ts[2:8], v[6:12])
	c.CreatedAt = time.UnixMilli(int64(binary.BigEndian.Uint64(ts[:]))).UTC()

	return c, nil
}

// FromHexString strips off a prepending 0x if present.
func FromHexString(s string) (*Cloid, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("could not decode: %s", err)
	}
	return FromBytes(b)
}
