package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/phone"
)

// Runner выполняет сценарии на разделяемом движке
type Runner struct {
	eng     engine.Engine
	logger  *slog.Logger
	metrics *phone.Metrics
}

// Option опция Runner
type Option func(*Runner)

// WithLogger задает логгер прогона
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics задает метрики линий
func WithMetrics(m *phone.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner создает Runner. Движок должен быть запущен.
func NewRunner(eng engine.Engine, opts ...Option) *Runner {
	r := &Runner{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run выполняет сценарий: по одной горутине на линию, каждая регистрирует
// свой воркер в движке до первого шага. Ошибка возвращается, только если
// линию не удалось создать или воркер не зарегистрирован; итоги шагов
// находятся в Report.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Name:    sc.Name,
		Started: time.Now(),
		Lines:   make([]LineReport, len(sc.Lines)),
	}
	logger := r.logger.With(
		slog.String("component", "scenario"),
		slog.String("run_id", report.RunID),
		slog.String("scenario", sc.Name))

	lines := make([]*phone.Line, len(sc.Lines))
	for i, spec := range sc.Lines {
		line, err := phone.NewLine(r.eng, sc.LineConfig(spec),
			phone.WithLogger(logger),
			phone.WithMetrics(r.metrics),
			phone.WithWorkerName(fmt.Sprintf("line-%d-%s", i+1, spec.Number)))
		if err != nil {
			return nil, fmt.Errorf("линия %s: %w", spec.Number, err)
		}
		lines[i] = line
		report.Lines[i].Number = spec.Number
	}

	logger.Info("Запуск сценария", slog.Int("lines", len(lines)))

	bars := newBarriers(sc)
	g, gctx := errgroup.WithContext(ctx)
	for i := range lines {
		line, spec, out := lines[i], sc.Lines[i], &report.Lines[i]
		g.Go(func() error {
			return r.runLine(gctx, line, spec.Steps, bars, out)
		})
	}
	err := g.Wait()

	report.Finished = time.Now()
	logger.Info("Сценарий завершен",
		slog.Bool("passed", err == nil && report.Passed()),
		slog.Duration("took", report.Duration()))
	return report, err
}

// runLine выполняет шаги одной линии на ее воркере
func (r *Runner) runLine(ctx context.Context, line *phone.Line, steps []Step, bars barriers, out *LineReport) error {
	if err := line.AttachWorker(); err != nil {
		bars.leaveRemaining(steps)
		out.Aborted = true
		out.Err = err.Error()
		return err
	}
	defer func() {
		// Close освобождает вызов, поэтому состояние снимается до него
		out.FinalState = line.CallState()
		line.Close(context.WithoutCancel(ctx))
		out.Results = line.Results().Entries()
	}()

	for i, st := range steps {
		start := time.Now()
		res := StepResult{Index: i, Step: st.String(), Action: st.Action}

		ok, detail, err := r.execStep(ctx, line, bars, st)
		res.OK, res.Detail, res.Took = ok && err == nil, detail, time.Since(start)
		if err != nil {
			res.Err = err.Error()
		}
		out.Steps = append(out.Steps, res)
		r.captureDuration(line, out)

		if err != nil {
			r.logger.Error("Шаг прервал линию",
				slog.String("line", line.Number()),
				slog.String("step", st.String()),
				slog.String("error", err.Error()))
			bars.leaveRemaining(steps[i+1:])
			out.Aborted = true
			return nil
		}
	}
	return nil
}

// captureDuration сохраняет длительности вызова, пока движок его помнит
func (r *Runner) captureDuration(line *phone.Line, out *LineReport) {
	if line.CurrentCall() == nil {
		return
	}
	connected, total, err := line.CallDuration()
	if err != nil {
		return
	}
	out.Connected, out.Total = connected, total
}

func (r *Runner) execStep(ctx context.Context, line *phone.Line, bars barriers, st Step) (bool, string, error) {
	switch st.Action {
	case ActionRegister:
		return line.Register(ctx), "", nil

	case ActionUnregister:
		return line.Unregister(ctx), "", nil

	case ActionCall:
		want := phone.StateConfirmed
		if st.Expect != "" {
			s, err := parseState(st.Expect)
			if err != nil {
				return false, "", err
			}
			want = s
		}
		state, err := line.PlaceCall(ctx, st.To)
		return state == want, state.String(), err

	case ActionWaitCall:
		return line.WaitForCallToStart(ctx), "", nil

	case ActionWaitMedia:
		if st.Expect == ExpectNoMedia {
			state := line.WaitForActiveMedia(ctx, phone.ExpectNoMedia)
			return state != phone.StateActiveMedia, state.String(), nil
		}
		state := line.WaitForActiveMedia(ctx, phone.ExpectMedia)
		return state == phone.StateActiveMedia, state.String(), nil

	case ActionWaitDuration:
		ok, err := line.WaitForConnectedDuration(ctx, st.Duration.Std())
		return ok, "", err

	case ActionWaitEnd:
		ok, err := line.WaitForCallToEnd(ctx)
		return ok, "", err

	case ActionDTMF:
		// сбой уже записан в журнал линии как ERROR
		return line.SendDigits(st.Digits), "", nil

	case ActionPlay:
		if err := line.StartPlayback(st.File, st.Loop); err != nil {
			return false, "", err
		}
		if !line.Playing() {
			return true, "skipped", nil
		}
		return true, "", nil

	case ActionStop:
		line.StopPlayback()
		return true, "", nil

	case ActionHangup:
		err := line.HangUp(ctx)
		return err == nil, "", err

	case ActionSleep:
		t := time.NewTimer(st.Duration.Std())
		defer t.Stop()
		select {
		case <-t.C:
			return true, "", nil
		case <-ctx.Done():
			return false, "", ctx.Err()
		}

	case ActionBarrier:
		err := bars.wait(ctx, st.Name)
		return err == nil, "", err
	}
	return false, "", fmt.Errorf("неизвестное действие %q", st.Action)
}
