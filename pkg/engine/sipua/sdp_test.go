package sipua

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSDP(t *testing.T) {
	body, err := buildSDP("10.0.0.5", 40000, 101, 20*time.Millisecond, "rtap_phone/1.0")
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "m=audio 40000 RTP/AVP 0 101")
	assert.Contains(t, text, "c=IN IP4 10.0.0.5")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, text, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, text, "a=fmtp:101 0-15")
	assert.Contains(t, text, "a=ptime:20")
	assert.Contains(t, text, "a=sendrecv")

	m, err := parseSDP(body)
	require.NoError(t, err)
	assert.Equal(t, mediaDesc{Host: "10.0.0.5", Port: 40000, DTMFPayload: 101}, m)
}

func TestBuildSDPWithoutDTMF(t *testing.T) {
	body, err := buildSDP("127.0.0.1", 4000, 0, 0, "ua")
	require.NoError(t, err)
	assert.NotContains(t, string(body), "telephone-event")

	m, err := parseSDP(body)
	require.NoError(t, err)
	assert.Zero(t, m.DTMFPayload)
}

func TestParseSDP(t *testing.T) {
	crlf := func(lines ...string) []byte {
		return []byte(strings.Join(lines, "\r\n") + "\r\n")
	}

	tests := []struct {
		name    string
		body    []byte
		want    mediaDesc
		wantErr bool
	}{
		{
			name: "media level connection",
			body: crlf(
				"v=0",
				"o=- 1 1 IN IP4 192.168.1.1",
				"s=-",
				"c=IN IP4 192.168.1.1",
				"t=0 0",
				"m=audio 30000 RTP/AVP 8 0 96",
				"c=IN IP4 192.168.1.20",
				"a=rtpmap:8 PCMA/8000",
				"a=rtpmap:0 PCMU/8000",
				"a=rtpmap:96 telephone-event/8000",
			),
			want: mediaDesc{Host: "192.168.1.20", Port: 30000, DTMFPayload: 96},
		},
		{
			name: "session level connection",
			body: crlf(
				"v=0",
				"o=- 1 1 IN IP4 10.1.1.1",
				"s=-",
				"c=IN IP4 10.1.1.1",
				"t=0 0",
				"m=audio 5004 RTP/AVP 0",
			),
			want: mediaDesc{Host: "10.1.1.1", Port: 5004},
		},
		{
			name: "rejected stream is skipped",
			body: crlf(
				"v=0",
				"o=- 1 1 IN IP4 10.1.1.1",
				"s=-",
				"c=IN IP4 10.1.1.1",
				"t=0 0",
				"m=audio 0 RTP/AVP 0",
				"m=audio 6000 RTP/AVP 0",
			),
			want: mediaDesc{Host: "10.1.1.1", Port: 6000},
		},
		{
			name: "no PCMU",
			body: crlf(
				"v=0",
				"o=- 1 1 IN IP4 10.1.1.1",
				"s=-",
				"c=IN IP4 10.1.1.1",
				"t=0 0",
				"m=audio 5004 RTP/AVP 8",
			),
			wantErr: true,
		},
		{
			name:    "garbage",
			body:    []byte("not sdp"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSDP(tt.body)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRtpmap(t *testing.T) {
	pt, name, ok := parseRtpmap("101 telephone-event/8000")
	assert.True(t, ok)
	assert.Equal(t, uint8(101), pt)
	assert.Equal(t, "telephone-event", name)

	_, _, ok = parseRtpmap("bogus")
	assert.False(t, ok)
	_, _, ok = parseRtpmap("300 PCMU/8000")
	assert.False(t, ok)
}
