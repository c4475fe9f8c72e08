package sipua

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode"
)

// RFC 4733 telephone-event constants
const (
	dtmfVolume = 10
	// dtmfMinSamples is 40 ms at 8 kHz
	dtmfMinSamples = 320
	dtmfEndRepeats = 3
)

var errInvalidDigit = errors.New("invalid dtmf digit")

// dtmfEvent is one RFC 4733 event payload
type dtmfEvent struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

func (e dtmfEvent) encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.End {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

func decodeDTMFEvent(b []byte) (dtmfEvent, error) {
	if len(b) < 4 {
		return dtmfEvent{}, fmt.Errorf("dtmf payload too short: %d bytes", len(b))
	}
	return dtmfEvent{
		Event:    b[0],
		End:      b[1]&0x80 != 0,
		Volume:   b[1] & 0x3F,
		Duration: binary.BigEndian.Uint16(b[2:]),
	}, nil
}

// digitEvent maps 0-9, *, #, A-D to event codes
func digitEvent(r rune) (uint8, bool) {
	r = unicode.ToUpper(r)
	switch {
	case r >= '0' && r <= '9':
		return uint8(r - '0'), true
	case r == '*':
		return 10, true
	case r == '#':
		return 11, true
	case r >= 'A' && r <= 'D':
		return uint8(12 + r - 'A'), true
	}
	return 0, false
}

func validateDigits(digits string) error {
	if digits == "" {
		return fmt.Errorf("%w: empty string", errInvalidDigit)
	}
	for _, r := range digits {
		if _, ok := digitEvent(r); !ok {
			return fmt.Errorf("%w: %q", errInvalidDigit, r)
		}
	}
	return nil
}

// dtmfPackets returns the payloads of one digit: progress packets every
// ptime followed by the repeated end of event
func dtmfPackets(event uint8, duration, ptime time.Duration) []dtmfEvent {
	total := uint16(duration.Seconds() * sampleRate)
	if total < dtmfMinSamples {
		total = dtmfMinSamples
	}
	step := uint16(ptime.Seconds() * sampleRate)
	if step == 0 {
		step = frameSamples
	}

	var out []dtmfEvent
	for d := step; d < total; d += step {
		out = append(out, dtmfEvent{Event: event, Volume: dtmfVolume, Duration: d})
	}
	for i := 0; i < dtmfEndRepeats; i++ {
		out = append(out, dtmfEvent{Event: event, End: true, Volume: dtmfVolume, Duration: total})
	}
	return out
}
