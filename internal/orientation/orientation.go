// Package orientation decodes the THORD orientation characteristic payload:
// three little-endian IEEE-754 float32 values for heading, roll and pitch in degrees.
package orientation

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PayloadSize is the size of a complete orientation notification.
const PayloadSize = 12

const (
	headingOffset = 0
	rollOffset    = 4
	pitchOffset   = 8
)

// Sample is one orientation reading in degrees. Values are not clamped.
type Sample struct {
	Heading float32 `json:"heading"`
	Roll    float32 `json:"roll"`
	Pitch   float32 `json:"pitch"`
}

// Decode reads a Sample from data. A field whose four bytes are not present is NaN.
func Decode(data []byte) Sample {
	return Sample{
		Heading: field(data, headingOffset),
		Roll:    field(data, rollOffset),
		Pitch:   field(data, pitchOffset),
	}
}

// Encode builds the 12-byte payload for s.
func Encode(s Sample) []byte {
	buf := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint32(buf[headingOffset:], math.Float32bits(s.Heading))
	binary.LittleEndian.PutUint32(buf[rollOffset:], math.Float32bits(s.Roll))
	binary.LittleEndian.PutUint32(buf[pitchOffset:], math.Float32bits(s.Pitch))
	return buf
}

// Valid reports whether all three fields are finite numbers.
func (s Sample) Valid() bool {
	return finite(s.Heading) && finite(s.Roll) && finite(s.Pitch)
}

func (s Sample) String() string {
	return fmt.Sprintf("heading=%.2f roll=%.2f pitch=%.2f", s.Heading, s.Roll, s.Pitch)
}

func field(data []byte, offset int) float32 {
	if len(data) < offset+4 {
		return float32(math.NaN())
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
}

func finite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}
