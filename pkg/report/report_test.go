package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtap_phone/pkg/phone"
	"github.com/arzzra/rtap_phone/pkg/scenario"
)

func sampleReport() *scenario.Report {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return &scenario.Report{
		RunID:    "run-1",
		Name:     "basic",
		Started:  start,
		Finished: start.Add(3 * time.Second),
		Lines: []scenario.LineReport{
			{
				Number: "1001",
				Steps: []scenario.StepResult{
					{Index: 0, Step: "register", Action: scenario.ActionRegister, OK: true, Took: 15 * time.Millisecond},
					{Index: 1, Step: "call 1002", Action: scenario.ActionCall, OK: true, Detail: "CONFIRMED"},
					{Index: 2, Step: "dtmf 12", Action: scenario.ActionDTMF},
				},
				Results:    []string{phone.ResultError},
				FinalState: phone.StateEnded,
				Connected:  2 * time.Second,
				Total:      2500 * time.Millisecond,
			},
			{
				Number: "1002",
				Steps: []scenario.StepResult{
					{Index: 0, Step: "register", Action: scenario.ActionRegister, OK: true},
					{Index: 1, Step: "play /tmp/x.wav", Action: scenario.ActionPlay, OK: true, Detail: "skipped"},
				},
			},
		},
	}
}

func TestPrintFailuresOnly(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	require.NoError(t, New(&buf, false).Print(sampleReport()))
	out := buf.String()

	assert.Contains(t, out, "basic (run run-1)")
	assert.Contains(t, out, "dtmf 12")
	assert.Contains(t, out, "fail")
	assert.NotContains(t, out, "call 1002", "passed steps are hidden")
	assert.Contains(t, out, "1001  шагов 2/3, вызов 2s/2.5s, состояние ENDED, ERROR x1")
	assert.Contains(t, out, "1002  шагов 2/2")
	assert.Contains(t, out, "✗ 1/2 линий прошли за 3s")
}

func TestPrintVerbose(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	require.NoError(t, New(&buf, true).Print(sampleReport()))
	out := buf.String()

	assert.Contains(t, out, "call 1002")
	assert.Contains(t, out, "CONFIRMED")
	assert.Contains(t, out, "skip")
	assert.Contains(t, out, "15ms")
}

func TestPrintPassed(t *testing.T) {
	color.NoColor = true

	r := sampleReport()
	r.Lines = r.Lines[1:]

	var buf bytes.Buffer
	require.NoError(t, New(&buf, false).Print(r))
	out := buf.String()

	assert.NotContains(t, out, "Step", "no table without failed steps")
	assert.Contains(t, out, "✓ 1/1 линий прошли")
}

func TestStepResult(t *testing.T) {
	color.NoColor = true

	assert.Equal(t, "error", stepResult(scenario.StepResult{Err: "boom"}))
	assert.Equal(t, "fail", stepResult(scenario.StepResult{}))
	assert.Equal(t, "skip", stepResult(scenario.StepResult{OK: true, Detail: "skipped"}))
	assert.Equal(t, "ok", stepResult(scenario.StepResult{OK: true}))
}
