package scenario

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtap_phone/pkg/phone"
)

const basicYAML = `
name: basic
pbx:
  host: 10.0.0.1
  transport: tcp
timeouts:
  place_call: 3s
  poll: 50ms
  media: 2
lines:
  - number: "1001"
    password: secret
    steps:
      - action: register
      - action: call
        to: "1002"
        expect: confirmed
      - action: wait_media
      - action: wait_duration
        duration: 1.5s
      - action: dtmf
        digits: "12#"
      - action: hangup
  - number: "1002"
    disposition:
      action: answer
      delay: 200ms
      audio_file: /tmp/prompt.wav
      loop: true
    steps:
      - action: register
      - action: wait_call
      - action: wait_end
`

func TestParse(t *testing.T) {
	sc, err := Parse([]byte(basicYAML))
	require.NoError(t, err)

	assert.Equal(t, "basic", sc.Name)
	assert.Equal(t, "10.0.0.1", sc.PBX.Host)
	require.Len(t, sc.Lines, 2)

	timing := sc.Timeouts.Config()
	assert.Equal(t, 3*time.Second, timing.PlaceCallTimeout)
	assert.Equal(t, 50*time.Millisecond, timing.FastPoll)
	assert.Equal(t, 2*time.Second, timing.MediaTimeout)
	assert.Zero(t, timing.RegisterTimeout)

	caller := sc.Lines[0]
	require.Len(t, caller.Steps, 6)
	assert.Equal(t, Step{Action: ActionCall, To: "1002", Expect: "confirmed"}, caller.Steps[1])
	assert.Equal(t, 1500*time.Millisecond, caller.Steps[3].Duration.Std())
	assert.Equal(t, "dtmf 12#", caller.Steps[4].String())

	cfg := sc.LineConfig(sc.Lines[1])
	assert.Equal(t, "1002", cfg.Number)
	assert.Equal(t, "10.0.0.1", cfg.Domain)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, phone.DispositionPolicy{
		Action:    phone.ActionAnswer,
		Delay:     200 * time.Millisecond,
		AudioFile: "/tmp/prompt.wav",
		Loop:      true,
	}, cfg.Disposition)
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse([]byte("name: x\npbx:\n  host: h\n  port: 5060\nlines: []\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(basicYAML), 0o644))

	sc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, sc.Lines, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	line := func(number string, steps ...Step) LineSpec {
		return LineSpec{Number: number, Steps: steps}
	}

	tests := []struct {
		name    string
		sc      Scenario
		wantErr string
	}{
		{
			name: "valid",
			sc: Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{
				line("1", Step{Action: ActionRegister}, Step{Action: ActionBarrier, Name: "go"}),
				line("2", Step{Action: ActionWaitMedia, Expect: ExpectNoMedia}),
			}},
		},
		{
			name:    "no host",
			sc:      Scenario{Lines: []LineSpec{line("1")}},
			wantErr: "pbx.host",
		},
		{
			name:    "no lines",
			sc:      Scenario{PBX: PBX{Host: "pbx"}},
			wantErr: "нет линий",
		},
		{
			name:    "bad transport",
			sc:      Scenario{PBX: PBX{Host: "pbx", Transport: "sctp"}, Lines: []LineSpec{line("1")}},
			wantErr: "sctp",
		},
		{
			name:    "duplicate number",
			sc:      Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{line("1"), line("1")}},
			wantErr: "повторяется",
		},
		{
			name: "bad disposition",
			sc: Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{
				{Number: "1", Disposition: DispositionSpec{Action: "voicemail"}},
			}},
			wantErr: "voicemail",
		},
		{
			name:    "unknown action",
			sc:      Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{line("1", Step{Action: "jump"})}},
			wantErr: "jump",
		},
		{
			name:    "call without destination",
			sc:      Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{line("1", Step{Action: ActionCall})}},
			wantErr: "steps[0]",
		},
		{
			name: "call with unknown state",
			sc: Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{
				line("1", Step{Action: ActionCall, To: "2", Expect: "answered"}),
			}},
			wantErr: "answered",
		},
		{
			name:    "sleep without duration",
			sc:      Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{line("1", Step{Action: ActionSleep})}},
			wantErr: "duration",
		},
		{
			name:    "dtmf without digits",
			sc:      Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{line("1", Step{Action: ActionDTMF})}},
			wantErr: "digits",
		},
		{
			name: "barrier reused",
			sc: Scenario{PBX: PBX{Host: "pbx"}, Lines: []LineSpec{
				line("1", Step{Action: ActionBarrier, Name: "a"}, Step{Action: ActionBarrier, Name: "a"}),
			}},
			wantErr: "барьер",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseState(t *testing.T) {
	st, err := parseState(" active_media ")
	require.NoError(t, err)
	assert.Equal(t, phone.StateActiveMedia, st)

	_, err = parseState("busy")
	assert.Error(t, err)
}

func TestBarrier(t *testing.T) {
	sc := &Scenario{Lines: []LineSpec{
		{Number: "1", Steps: []Step{{Action: ActionBarrier, Name: "go"}}},
		{Number: "2", Steps: []Step{{Action: ActionBarrier, Name: "go"}}},
	}}
	bars := newBarriers(sc)
	require.Equal(t, 2, bars["go"].parties)

	done := make(chan error, 1)
	go func() { done <- bars.wait(context.Background(), "go") }()

	select {
	case <-done:
		t.Fatal("barrier opened with one party")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, bars.wait(context.Background(), "go"))
	require.NoError(t, <-done)
}

func TestBarrierLeave(t *testing.T) {
	sc := &Scenario{Lines: []LineSpec{
		{Number: "1", Steps: []Step{{Action: ActionBarrier, Name: "go"}}},
		{Number: "2", Steps: []Step{{Action: ActionHangup}, {Action: ActionBarrier, Name: "go"}}},
	}}
	bars := newBarriers(sc)

	done := make(chan error, 1)
	go func() { done <- bars.wait(context.Background(), "go") }()

	bars.leaveRemaining(sc.Lines[1].Steps[1:])
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("barrier not released after leave")
	}

	assert.Error(t, bars.wait(context.Background(), "missing"))
}

func TestBarrierContext(t *testing.T) {
	bars := newBarriers(&Scenario{Lines: []LineSpec{
		{Number: "1", Steps: []Step{{Action: ActionBarrier, Name: "go"}}},
		{Number: "2", Steps: []Step{{Action: ActionBarrier, Name: "go"}}},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bars.wait(ctx, "go"), context.DeadlineExceeded)
}

func TestAudioFiles(t *testing.T) {
	sc := &Scenario{Lines: []LineSpec{
		{Number: "1", Disposition: DispositionSpec{AudioFile: "/a.wav"}, Steps: []Step{
			{Action: ActionPlay, File: "/b.wav"},
			{Action: ActionPlay, File: "/a.wav"},
		}},
		{Number: "2", Steps: []Step{{Action: ActionHangup}}},
	}}
	assert.Equal(t, []string{"/a.wav", "/b.wav"}, sc.AudioFiles())
	assert.Empty(t, (&Scenario{}).AudioFiles())
}
