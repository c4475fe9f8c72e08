package scenario

import (
	"time"

	"github.com/arzzra/rtap_phone/pkg/phone"
)

// StepResult итог одного шага
type StepResult struct {
	Index  int
	Step   string
	Action string
	OK     bool
	// Detail состояние вызова или пояснение, например skipped
	Detail string
	// Err ошибка шага, прервавшая линию
	Err  string
	Took time.Duration
}

// LineReport итог одной линии
type LineReport struct {
	Number string
	Steps  []StepResult
	// Results журнал результатов линии, ERROR означает сбой сигнализации
	Results    []string
	FinalState phone.CallState
	// Connected и Total длительности последнего вызова
	Connected time.Duration
	Total     time.Duration
	// Aborted линия прервала сценарий из-за ошибки шага
	Aborted bool
	Err     string
}

// Passed true, если все шаги успешны и в журнале нет ERROR
func (l LineReport) Passed() bool {
	if l.Aborted || l.Err != "" {
		return false
	}
	for _, r := range l.Results {
		if r == phone.ResultError {
			return false
		}
	}
	for _, s := range l.Steps {
		if !s.OK {
			return false
		}
	}
	return true
}

// Failures возвращает неуспешные шаги
func (l LineReport) Failures() []StepResult {
	var out []StepResult
	for _, s := range l.Steps {
		if !s.OK {
			out = append(out, s)
		}
	}
	return out
}

// Report итог прогона сценария
type Report struct {
	RunID    string
	Name     string
	Started  time.Time
	Finished time.Time
	Lines    []LineReport
}

// Passed true, если прошли все линии
func (r *Report) Passed() bool {
	for _, l := range r.Lines {
		if !l.Passed() {
			return false
		}
	}
	return true
}

// Duration возвращает длительность прогона
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
