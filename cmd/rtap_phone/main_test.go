package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtap_phone/pkg/engine/pjsua"
	"github.com/arzzra/rtap_phone/pkg/engine/simengine"
	"github.com/arzzra/rtap_phone/pkg/engine/sipua"
)

const passingScenario = `
name: smoke
pbx:
  host: pbx.local
timeouts:
  register: 500ms
  register_poll: 10ms
  unregister: 200ms
  unregister_poll: 10ms
  place_call: 1s
  media: 300ms
  poll: 10ms
lines:
  - number: "1001"
    steps:
      - action: register
      - action: call
        to: "2000"
      - action: hangup
`

// testEnv isolates viper, HOME and the process logger
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	viper.Reset()
	resetFlags()
	t.Cleanup(func() {
		closeLogging()
		viper.Reset()
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})
	return dir
}

// resetFlags undoes flag values left by a previous Execute
func resetFlags() {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	runCmd.Flags().VisitAll(reset)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := newLogger(logConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	l.Info("hidden")
	l.Warn("shown", slog.String("line", "1001"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"line":"1001"`)
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtap.log")
	var stderr bytes.Buffer

	l, closer, err := newLogger(logConfig{Level: "debug", File: path, MaxSize: 1}, &stderr)
	require.NoError(t, err)
	l.Debug("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=\"to file\"")
	assert.Empty(t, stderr.String())
}

func TestNewLoggerInvalid(t *testing.T) {
	_, _, err := newLogger(logConfig{Level: "loud"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "loud")

	_, _, err = newLogger(logConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "xml")
}

func TestNewEngine(t *testing.T) {
	testEnv(t)
	setDefaults()
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	eng, err := newEngine(engineSim, nil, l)
	require.NoError(t, err)
	assert.IsType(t, &simengine.Engine{}, eng)

	eng, err = newEngine(enginePjsua, []string{"/tmp/a.wav"}, l)
	require.NoError(t, err)
	assert.IsType(t, &pjsua.Engine{}, eng)

	eng, err = newEngine(engineSIP, nil, l)
	require.NoError(t, err)
	assert.IsType(t, &sipua.Engine{}, eng)

	_, err = newEngine("asterisk", nil, l)
	assert.ErrorContains(t, err, "asterisk")
}

func TestEngineConfigFromViper(t *testing.T) {
	testEnv(t)
	setDefaults()
	viper.Set("pjsua.play_files", []string{"/tmp/hold.wav"})
	viper.Set("sip.register_expiry", "1m")

	pj := pjsuaConfigFromViper()
	assert.Equal(t, pjsua.DefaultConfig().TelnetPort, pj.TelnetPort)
	assert.Equal(t, "/tmp/pjsip.log", pj.LogFile)
	assert.Equal(t, []string{"/tmp/hold.wav"}, pj.PlayFiles)

	sc := sipConfigFromViper()
	assert.Equal(t, time.Minute, sc.RegisterExpiry)
	assert.Equal(t, "udp", sc.Transport)
	assert.Equal(t, 20*time.Millisecond, sc.Ptime)
}

func TestConfigFile(t *testing.T) {
	dir := testEnv(t)
	writeFile(t, dir, ".rtap_phone.yaml", "engine:\n  kind: sip\nsip:\n  listen_port: 5080\n")

	bindFlags(rootCmd)
	require.NoError(t, initConfig(rootCmd))
	assert.Equal(t, engineSIP, viper.GetString("engine.kind"))
	assert.Equal(t, 5080, sipConfigFromViper().ListenPort)

	t.Setenv("RTAP_PHONE_ENGINE_KIND", "sim")
	assert.Equal(t, engineSim, viper.GetString("engine.kind"))
}

func TestConfigFileMissing(t *testing.T) {
	dir := testEnv(t)

	_, err := execute(t, "--config", filepath.Join(dir, "absent.yaml"), "version")
	assert.ErrorContains(t, err, "absent.yaml")
}

func TestVersionCommand(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rtap_phone dev")
}

func TestValidateCommand(t *testing.T) {
	dir := testEnv(t)
	path := writeFile(t, dir, "smoke.yaml", passingScenario)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 lines, 3 steps")

	bad := writeFile(t, dir, "bad.yaml", "pbx:\n  host: h\nlines:\n  - number: \"1\"\n    steps:\n      - action: fly\n")
	_, err = execute(t, "validate", bad)
	assert.ErrorContains(t, err, "fly")
}

func TestRunCommand(t *testing.T) {
	dir := testEnv(t)
	path := writeFile(t, dir, "smoke.yaml", passingScenario)

	out, err := execute(t, "run", path, "--engine", "sim", "--log-file", filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, out, "smoke")
	assert.Contains(t, out, "1/1 линий прошли")

	data, err := os.ReadFile(filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "running scenario")
}

func TestRunCommandFailure(t *testing.T) {
	dir := testEnv(t)
	path := writeFile(t, dir, "busy.yaml", passingScenario+`      - action: wait_media
`)

	out, err := execute(t, "run", path, "--engine", "sim", "--log-file", filepath.Join(dir, "run.log"))
	assert.ErrorIs(t, err, errScenarioFailed)
	assert.Contains(t, out, "0/1 линий прошли")
}
