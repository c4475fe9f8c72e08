package sipua

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

var errUnsupportedWAV = errors.New("unsupported wav format")

// wavFormat is the fmt chunk of a RIFF/WAVE file
type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// readWAV decodes 16-bit PCM WAV data into 8 kHz mono samples
func readWAV(r io.Reader) ([]int16, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE file", errUnsupportedWAV)
	}

	var (
		format  wavFormat
		haveFmt bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("%w: data chunk not found", errUnsupportedWAV)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", errUnsupportedWAV)
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if err := skip(r, int64(size)-16+int64(size%2)); err != nil {
				return nil, err
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data before fmt", errUnsupportedWAV)
			}
			if format.AudioFormat != 1 || format.BitsPerSample != 16 || format.Channels == 0 {
				return nil, fmt.Errorf("%w: need 16-bit PCM, got format=%d bits=%d",
					errUnsupportedWAV, format.AudioFormat, format.BitsPerSample)
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			pcm := toMono(bytesToSamples(data[:n]), int(format.Channels))
			return resample(pcm, int(format.SampleRate), sampleRate), nil

		default:
			if err := skip(r, int64(size)+int64(size%2)); err != nil {
				return nil, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skip chunk: %w", err)
	}
	return nil
}

func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// toMono averages interleaved channels
func toMono(s []int16, channels int) []int16 {
	if channels <= 1 {
		return s
	}
	out := make([]int16, len(s)/channels)
	for i := range out {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(s[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// resample converts by linear interpolation
func resample(s []int16, from, to int) []int16 {
	if from == to || from <= 0 || len(s) == 0 {
		return s
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(s)) / ratio)
	out := make([]int16, n)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= len(s) {
			out[i] = s[len(s)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(s[idx])*(1-frac) + float64(s[idx+1])*frac)
	}
	return out
}

// player is a bridge source streaming a WAV file
type player struct {
	id   engine.PlayerID
	path string
	loop bool
	slot engine.Slot

	mu      sync.Mutex
	samples []int16
	pos     int
	done    bool
}

func openPlayer(path string, loop bool) (*player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	samples, err := readWAV(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &player{path: path, loop: loop, samples: samples, slot: engine.InvalidSlot}, nil
}

func (p *player) readFrame() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done || len(p.samples) == 0 {
		return nil
	}
	if p.pos >= len(p.samples) && !p.loop {
		p.done = true
		return nil
	}
	frame := make([]int16, frameSamples)
	for i := range frame {
		if p.pos >= len(p.samples) {
			if !p.loop {
				p.done = true
				break
			}
			p.pos = 0
		}
		frame[i] = p.samples[p.pos]
		p.pos++
	}
	return frame
}

// writeFrame drops audio: players are source only
func (p *player) writeFrame([]int16) {}

func (p *player) finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
