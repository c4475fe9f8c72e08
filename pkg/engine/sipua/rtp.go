package sipua

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

var errStreamClosed = errors.New("rtp stream closed")

// rtpStream is the media leg of a call and its bridge port.
//
// Audio mixed for the call is sent as PCMU; received PCMU is decoded and
// offered to the bridge as the call's own frame.
type rtpStream struct {
	conn   net.PacketConn
	logger *slog.Logger

	mu      sync.Mutex
	remote  net.Addr
	ssrc    uint32
	seq     uint16
	ts      uint32
	dtmfPT  uint8
	inbound []int16
	closed  bool

	// sendMu serializes audio frames and DTMF events
	sendMu sync.Mutex
	done   chan struct{}
}

// listenRTP opens an RTP socket on host, trying even ports of the range.
// A zero range lets the kernel pick the port.
func listenRTP(host string, portMin, portMax int) (net.PacketConn, error) {
	if portMin <= 0 || portMax < portMin {
		return net.ListenPacket("udp4", net.JoinHostPort(host, "0"))
	}
	start := portMin + rand.IntN(portMax-portMin+1)
	for i := 0; i <= portMax-portMin; i++ {
		p := portMin + (start-portMin+i)%(portMax-portMin+1)
		if p%2 != 0 {
			continue
		}
		conn, err := net.ListenPacket("udp4", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no free rtp port in %d-%d", portMin, portMax)
}

func newRTPStream(conn net.PacketConn, logger *slog.Logger) *rtpStream {
	return &rtpStream{
		conn:   conn,
		logger: logger,
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.UintN(1 << 16)),
		ts:     rand.Uint32(),
		done:   make(chan struct{}),
	}
}

func (s *rtpStream) localPort() int {
	if a, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// start sets the peer address and begins reading
func (s *rtpStream) start(remote net.Addr, dtmfPT uint8) {
	s.mu.Lock()
	s.remote = remote
	s.dtmfPT = dtmfPT
	s.mu.Unlock()

	go s.readLoop()
}

func (s *rtpStream) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("rtp read stopped", slog.String("error", err.Error()))
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType != payloadPCMU {
			continue
		}
		frame := bytesToSamples(g711.DecodeUlaw(pkt.Payload))

		s.mu.Lock()
		s.inbound = frame
		s.mu.Unlock()
	}
}

// readFrame hands the last received frame to the bridge once
func (s *rtpStream) readFrame() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.inbound
	s.inbound = nil
	return f
}

// writeFrame sends mixed audio. Frames are dropped while a DTMF event is on
// the wire so the bridge never waits for it.
func (s *rtpStream) writeFrame(frame []int16) {
	if !s.sendMu.TryLock() {
		return
	}
	defer s.sendMu.Unlock()

	if err := s.send(payloadPCMU, false, g711.EncodeUlaw(samplesToBytes(frame)), uint32(len(frame))); err != nil &&
		!errors.Is(err, errStreamClosed) {
		s.logger.Debug("rtp write failed", slog.String("error", err.Error()))
	}
}

// send writes one packet and advances the timestamp by advance samples
func (s *rtpStream) send(pt uint8, marker bool, payload []byte, advance uint32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStreamClosed
	}
	if s.remote == nil {
		s.mu.Unlock()
		return nil
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.ts += advance
	remote := s.remote
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(data, remote)
	return err
}

// sendDTMF plays digits as RFC 4733 events. Every packet of an event keeps
// the event start timestamp.
func (s *rtpStream) sendDTMF(digits string, duration, gap, ptime time.Duration) error {
	if err := validateDigits(digits); err != nil {
		return err
	}

	s.mu.Lock()
	pt := s.dtmfPT
	s.mu.Unlock()
	if pt == 0 {
		return errors.New("remote did not negotiate telephone-event")
	}

	for i, r := range digits {
		ev, _ := digitEvent(r)
		if err := s.sendEvent(pt, ev, duration, ptime); err != nil {
			return fmt.Errorf("digit %d (%c): %w", i, r, err)
		}
		if i < len(digits)-1 {
			time.Sleep(gap)
		}
	}
	return nil
}

func (s *rtpStream) sendEvent(pt, ev uint8, duration, ptime time.Duration) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	packets := dtmfPackets(ev, duration, ptime)
	for i, p := range packets {
		// the timestamp stays at the event start until the last packet
		advance := uint32(0)
		if i == len(packets)-1 {
			advance = uint32(p.Duration)
		}
		if err := s.send(pt, i == 0, p.encode(), advance); err != nil {
			return err
		}
		if !p.End {
			time.Sleep(ptime)
		}
	}
	return nil
}

func (s *rtpStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	_ = s.conn.Close()
}
