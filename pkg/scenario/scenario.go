// Package scenario описывает и выполняет тестовые сценарии для линий.
//
// Сценарий задается yaml файлом: адрес PBX, общие тайминги и список линий,
// у каждой из которых своя политика входящих вызовов и список шагов.
// Runner создает по одной линии на запись, запускает каждую на отдельной
// горутине и собирает Report.
//
//	name: basic call
//	pbx:
//	  host: 10.0.0.1
//	lines:
//	  - number: "1001"
//	    steps:
//	      - action: register
//	      - action: barrier
//	        name: registered
//	      - action: call
//	        to: "1002"
//	      - action: wait_media
//	      - action: dtmf
//	        digits: "123#"
//	      - action: hangup
//	  - number: "1002"
//	    disposition:
//	      action: answer
//	    steps:
//	      - action: register
//	      - action: barrier
//	        name: registered
//	      - action: wait_call
//	      - action: wait_end
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/rtap_phone/pkg/phone"
)

// Действия шагов
const (
	ActionRegister     = "register"
	ActionUnregister   = "unregister"
	ActionCall         = "call"
	ActionWaitCall     = "wait_call"
	ActionWaitMedia    = "wait_media"
	ActionWaitDuration = "wait_duration"
	ActionWaitEnd      = "wait_end"
	ActionDTMF         = "dtmf"
	ActionPlay         = "play"
	ActionStop         = "stop"
	ActionHangup       = "hangup"
	ActionSleep        = "sleep"
	ActionBarrier      = "barrier"
)

// Ожидания шага wait_media
const (
	ExpectMedia   = "media"
	ExpectNoMedia = "no_media"
)

// Duration длительность в формате Go, например "1.5s"
type Duration time.Duration

// UnmarshalYAML разбирает строку длительности. Число трактуется как секунды.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("строка %d: неверная длительность %q", value.Line, s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML записывает длительность строкой
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std возвращает time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Scenario тестовый сценарий
type Scenario struct {
	Name     string     `yaml:"name"`
	PBX      PBX        `yaml:"pbx"`
	Timeouts Timeouts   `yaml:"timeouts"`
	Lines    []LineSpec `yaml:"lines"`
}

// PBX адрес станции, общий для всех линий
type PBX struct {
	Host      string `yaml:"host"`
	Transport string `yaml:"transport"`
}

// Timeouts переопределения таймингов линий. Нулевые значения заменяются
// значениями phone.DefaultConfig.
type Timeouts struct {
	Register       Duration `yaml:"register"`
	RegisterPoll   Duration `yaml:"register_poll"`
	Unregister     Duration `yaml:"unregister"`
	UnregisterPoll Duration `yaml:"unregister_poll"`
	PlaceCall      Duration `yaml:"place_call"`
	Media          Duration `yaml:"media"`
	CallStart      Duration `yaml:"call_start"`
	CallEnd        Duration `yaml:"call_end"`
	Poll           Duration `yaml:"poll"`
	ProgressEvery  Duration `yaml:"progress_every"`
}

// Config возвращает тайминги линии
func (t Timeouts) Config() phone.Config {
	return phone.Config{
		RegisterTimeout:   t.Register.Std(),
		RegisterPoll:      t.RegisterPoll.Std(),
		UnregisterTimeout: t.Unregister.Std(),
		UnregisterPoll:    t.UnregisterPoll.Std(),
		PlaceCallTimeout:  t.PlaceCall.Std(),
		MediaTimeout:      t.Media.Std(),
		CallStartTimeout:  t.CallStart.Std(),
		CallEndTimeout:    t.CallEnd.Std(),
		FastPoll:          t.Poll.Std(),
		ProgressEvery:     t.ProgressEvery.Std(),
	}
}

// LineSpec описание линии сценария
type LineSpec struct {
	Number      string          `yaml:"number"`
	Password    string          `yaml:"password"`
	Disposition DispositionSpec `yaml:"disposition"`
	Steps       []Step          `yaml:"steps"`
}

// DispositionSpec политика входящих вызовов линии
type DispositionSpec struct {
	Action    string   `yaml:"action"`
	Delay     Duration `yaml:"delay"`
	AudioFile string   `yaml:"audio_file"`
	Loop      bool     `yaml:"loop"`
	Code      int      `yaml:"code"`
}

// Policy возвращает политику линии
func (d DispositionSpec) Policy() phone.DispositionPolicy {
	return phone.DispositionPolicy{
		Action:    phone.ParseAction(d.Action),
		Delay:     d.Delay.Std(),
		AudioFile: d.AudioFile,
		Loop:      d.Loop,
		Code:      d.Code,
	}
}

// Step шаг сценария. Набор используемых полей зависит от Action.
type Step struct {
	Action string `yaml:"action"`
	// To номер или URI для call
	To string `yaml:"to"`
	// Expect ожидаемое состояние для call или media/no_media для wait_media
	Expect string `yaml:"expect"`
	// Digits последовательность для dtmf
	Digits string `yaml:"digits"`
	// File и Loop для play
	File string `yaml:"file"`
	Loop bool   `yaml:"loop"`
	// Duration для wait_duration и sleep
	Duration Duration `yaml:"duration"`
	// Name имя барьера
	Name string `yaml:"name"`
}

// String возвращает краткое описание шага
func (s Step) String() string {
	switch s.Action {
	case ActionCall:
		return s.Action + " " + s.To
	case ActionDTMF:
		return s.Action + " " + s.Digits
	case ActionPlay:
		return s.Action + " " + s.File
	case ActionWaitDuration, ActionSleep:
		return s.Action + " " + s.Duration.Std().String()
	case ActionBarrier:
		return s.Action + " " + s.Name
	case ActionWaitMedia:
		if s.Expect != "" {
			return s.Action + " " + s.Expect
		}
	}
	return s.Action
}

// Load читает сценарий из файла
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение сценария: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse разбирает и проверяет сценарий. Неизвестные поля являются ошибкой.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("разбор yaml: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate проверяет сценарий и возвращает все найденные ошибки
func (sc *Scenario) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(sc.PBX.Host) == "" {
		add("не указан pbx.host")
	}
	switch strings.ToLower(sc.PBX.Transport) {
	case "", "udp", "tcp", "tls":
	default:
		add("неизвестный транспорт %q", sc.PBX.Transport)
	}
	if len(sc.Lines) == 0 {
		add("в сценарии нет линий")
	}

	numbers := make(map[string]bool)
	for i, l := range sc.Lines {
		where := fmt.Sprintf("lines[%d]", i)
		if strings.TrimSpace(l.Number) == "" {
			add("%s: не указан номер", where)
		} else if numbers[l.Number] {
			add("%s: номер %s повторяется", where, l.Number)
		}
		numbers[l.Number] = true

		switch phone.ParseAction(l.Disposition.Action) {
		case phone.ActionAnswer, phone.ActionBusy, phone.ActionUnknown:
		default:
			add("%s: неизвестная политика %q", where, l.Disposition.Action)
		}

		barriers := make(map[string]bool)
		for j, st := range l.Steps {
			if err := st.validate(); err != nil {
				add("%s.steps[%d]: %w", where, j, err)
			}
			if st.Action == ActionBarrier {
				if barriers[st.Name] {
					add("%s.steps[%d]: барьер %q уже использован этой линией", where, j, st.Name)
				}
				barriers[st.Name] = true
			}
		}
	}
	return errors.Join(errs...)
}

func (s Step) validate() error {
	switch s.Action {
	case ActionRegister, ActionUnregister, ActionWaitCall, ActionWaitEnd,
		ActionStop, ActionHangup:
		return nil
	case ActionCall:
		if strings.TrimSpace(s.To) == "" {
			return errors.New("call: не указан to")
		}
		if s.Expect != "" {
			if _, err := parseState(s.Expect); err != nil {
				return err
			}
		}
	case ActionWaitMedia:
		switch s.Expect {
		case "", ExpectMedia, ExpectNoMedia:
		default:
			return fmt.Errorf("wait_media: неизвестное ожидание %q", s.Expect)
		}
	case ActionWaitDuration, ActionSleep:
		if s.Duration <= 0 {
			return fmt.Errorf("%s: duration должна быть положительной", s.Action)
		}
	case ActionDTMF:
		if s.Digits == "" {
			return errors.New("dtmf: не указаны digits")
		}
	case ActionPlay:
		if s.File == "" {
			return errors.New("play: не указан file")
		}
	case ActionBarrier:
		if s.Name == "" {
			return errors.New("barrier: не указано имя")
		}
	case "":
		return errors.New("не указано действие")
	default:
		return fmt.Errorf("неизвестное действие %q", s.Action)
	}
	return nil
}

// parseState разбирает ожидаемое состояние вызова
func parseState(s string) (phone.CallState, error) {
	switch st := phone.CallState(strings.ToUpper(strings.TrimSpace(s))); st {
	case phone.StateNone, phone.StateRinging, phone.StateConfirmed,
		phone.StateActiveMedia, phone.StateEnded:
		return st, nil
	}
	return "", fmt.Errorf("неизвестное состояние вызова %q", s)
}

// LineConfig возвращает конфигурацию линии для NewLine
func (sc *Scenario) LineConfig(l LineSpec) phone.LineConfig {
	return phone.LineConfig{
		Number:      l.Number,
		Password:    l.Password,
		Domain:      sc.PBX.Host,
		Transport:   sc.PBX.Transport,
		Disposition: l.Disposition.Policy(),
		Timing:      sc.Timeouts.Config(),
	}
}

// AudioFiles возвращает аудио файлы сценария без повторов: файлы
// автоответа и шагов play. Движку pjsua их нужно загрузить до старта.
func (sc *Scenario) AudioFiles() []string {
	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}
	for _, l := range sc.Lines {
		add(l.Disposition.AudioFile)
		for _, st := range l.Steps {
			if st.Action == ActionPlay {
				add(st.File)
			}
		}
	}
	return files
}
