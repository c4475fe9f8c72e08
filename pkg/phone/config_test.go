package phone

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, 10*time.Second, c.RegisterTimeout)
	assert.Equal(t, time.Second, c.RegisterPoll)
	assert.Equal(t, 500*time.Millisecond, c.UnregisterPoll)
	assert.Equal(t, 12*time.Second, c.PlaceCallTimeout)
	assert.Equal(t, 100*time.Millisecond, c.FastPoll)
	assert.Equal(t, 5*time.Second, c.ProgressEvery)
	assert.NoError(t, c.Validate())
}

func TestLineConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LineConfig
		wantErr bool
	}{
		{name: "valid", cfg: LineConfig{Number: "1001", Domain: "pbx"}},
		{name: "tcp", cfg: LineConfig{Number: "1001", Domain: "pbx", Transport: "TCP"}},
		{name: "no number", cfg: LineConfig{Domain: "pbx"}, wantErr: true},
		{name: "no domain", cfg: LineConfig{Number: "1001"}, wantErr: true},
		{name: "bad transport", cfg: LineConfig{Number: "1001", Domain: "pbx", Transport: "sctp"}, wantErr: true},
		{
			name:    "negative timing",
			cfg:     LineConfig{Number: "1001", Domain: "pbx", Timing: Config{MediaTimeout: -time.Second}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				var pe *PhoneError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, CodeInvalidConfig, pe.Code)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLineConfigDefaults(t *testing.T) {
	cfg := LineConfig{
		Number:      "1001",
		Domain:      "pbx",
		Disposition: DispositionPolicy{Action: ActionBusy},
		Timing:      Config{PlaceCallTimeout: time.Second},
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, time.Second, cfg.Timing.PlaceCallTimeout)
	assert.Equal(t, DefaultConfig().MediaTimeout, cfg.Timing.MediaTimeout)
	assert.Equal(t, engine.StatusBusy, cfg.Disposition.Code)

	acc := cfg.account()
	assert.Equal(t, engine.AccountConfig{Username: "1001", Domain: "pbx", Transport: "udp"}, acc)
}
