package sipua

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	payloadPCMU  = 0
	codecPCMU    = "PCMU"
	codecDTMF    = "telephone-event"
	sdpMediaType = "audio"
)

var errNoAudio = errors.New("no usable audio stream in sdp")

// mediaDesc is the audio endpoint announced by one side
type mediaDesc struct {
	Host string
	Port int
	// DTMFPayload is the negotiated telephone-event type, 0 when absent
	DTMFPayload uint8
}

// Addr returns the RTP address of the endpoint
func (m mediaDesc) Addr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(m.Host, strconv.Itoa(m.Port)))
}

// buildSDP describes a PCMU stream with RFC 4733 events
func buildSDP(host string, port int, dtmfPT uint8, ptime time.Duration, userAgent string) ([]byte, error) {
	now := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(userAgent),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  sdpMediaType,
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	audio = audio.WithCodec(payloadPCMU, codecPCMU, sampleRate, 0, "")
	if dtmfPT != 0 {
		audio = audio.WithCodec(dtmfPT, codecDTMF, sampleRate, 0, "0-15")
	}
	if ptime > 0 {
		audio = audio.WithValueAttribute("ptime", strconv.Itoa(int(ptime.Milliseconds())))
	}
	audio = audio.WithPropertyAttribute("sendrecv")
	desc.MediaDescriptions = []*sdp.MediaDescription{audio}

	return desc.Marshal()
}

// parseSDP finds the PCMU audio stream of an offer or answer
func parseSDP(body []byte) (mediaDesc, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return mediaDesc{}, fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != sdpMediaType || md.MediaName.Port.Value == 0 {
			continue
		}
		if !hasFormat(md, payloadPCMU) {
			continue
		}

		conn := md.ConnectionInformation
		if conn == nil {
			conn = desc.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return mediaDesc{}, fmt.Errorf("%w: missing connection address", errNoAudio)
		}

		m := mediaDesc{Host: conn.Address.Address, Port: md.MediaName.Port.Value}
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			pt, name, ok := parseRtpmap(a.Value)
			if ok && strings.EqualFold(name, codecDTMF) {
				m.DTMFPayload = pt
			}
		}
		return m, nil
	}
	return mediaDesc{}, errNoAudio
}

func hasFormat(md *sdp.MediaDescription, pt int) bool {
	want := strconv.Itoa(pt)
	for _, f := range md.MediaName.Formats {
		if f == want {
			return true
		}
	}
	return false
}

// parseRtpmap splits "101 telephone-event/8000"
func parseRtpmap(v string) (uint8, string, bool) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return 0, "", false
	}
	name, _, _ := strings.Cut(fields[1], "/")
	return uint8(pt), name, true
}
