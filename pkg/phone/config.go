package phone

import (
	"fmt"
	"strings"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// Config тайминги ожиданий линии
type Config struct {
	// Регистрация
	RegisterTimeout   time.Duration
	RegisterPoll      time.Duration
	UnregisterTimeout time.Duration
	UnregisterPoll    time.Duration

	// Вызовы
	PlaceCallTimeout time.Duration
	MediaTimeout     time.Duration
	CallStartTimeout time.Duration
	CallEndTimeout   time.Duration

	// FastPoll интервал опроса состояния вызова
	FastPoll time.Duration
	// ProgressEvery интервал логов прогресса длинных ожиданий
	ProgressEvery time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		RegisterTimeout:   10 * time.Second,
		RegisterPoll:      time.Second,
		UnregisterTimeout: 10 * time.Second,
		UnregisterPoll:    500 * time.Millisecond,
		PlaceCallTimeout:  12 * time.Second,
		MediaTimeout:      10 * time.Second,
		CallStartTimeout:  60 * time.Second,
		CallEndTimeout:    60 * time.Second,
		FastPoll:          100 * time.Millisecond,
		ProgressEvery:     5 * time.Second,
	}
}

// withDefaults заполняет нулевые поля значениями по умолчанию
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&c.RegisterTimeout, d.RegisterTimeout)
	fill(&c.RegisterPoll, d.RegisterPoll)
	fill(&c.UnregisterTimeout, d.UnregisterTimeout)
	fill(&c.UnregisterPoll, d.UnregisterPoll)
	fill(&c.PlaceCallTimeout, d.PlaceCallTimeout)
	fill(&c.MediaTimeout, d.MediaTimeout)
	fill(&c.CallStartTimeout, d.CallStartTimeout)
	fill(&c.CallEndTimeout, d.CallEndTimeout)
	fill(&c.FastPoll, d.FastPoll)
	fill(&c.ProgressEvery, d.ProgressEvery)
	return c
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	values := map[string]time.Duration{
		"RegisterTimeout":   c.RegisterTimeout,
		"RegisterPoll":      c.RegisterPoll,
		"UnregisterTimeout": c.UnregisterTimeout,
		"UnregisterPoll":    c.UnregisterPoll,
		"PlaceCallTimeout":  c.PlaceCallTimeout,
		"MediaTimeout":      c.MediaTimeout,
		"CallStartTimeout":  c.CallStartTimeout,
		"CallEndTimeout":    c.CallEndTimeout,
		"FastPoll":          c.FastPoll,
		"ProgressEvery":     c.ProgressEvery,
	}
	for name, v := range values {
		if v < 0 {
			return fmt.Errorf("%s не может быть отрицательным: %s", name, v)
		}
	}
	return nil
}

// LineConfig конфигурация одной линии
type LineConfig struct {
	// Number номер телефона, он же имя пользователя аккаунта
	Number string
	// Password пароль аккаунта
	Password string
	// Domain адрес PBX
	Domain string
	// Transport udp, tcp или tls
	Transport string
	// Disposition политика обработки входящих вызовов
	Disposition DispositionPolicy
	// Timing тайминги ожиданий, нулевые поля заменяются значениями по умолчанию
	Timing Config
}

// Validate проверяет конфигурацию линии и заполняет значения по умолчанию
func (c *LineConfig) Validate() error {
	if strings.TrimSpace(c.Number) == "" {
		return NewPhoneError(CodeInvalidConfig, "", "не указан номер линии")
	}
	if strings.TrimSpace(c.Domain) == "" {
		return NewPhoneError(CodeInvalidConfig, c.Number, "не указан адрес PBX")
	}
	switch strings.ToLower(c.Transport) {
	case "":
		c.Transport = "udp"
	case "udp", "tcp", "tls":
		c.Transport = strings.ToLower(c.Transport)
	default:
		return NewPhoneError(CodeInvalidConfig, c.Number, fmt.Sprintf("неизвестный транспорт %q", c.Transport))
	}

	c.Timing = c.Timing.withDefaults()
	if err := c.Timing.Validate(); err != nil {
		return NewPhoneError(CodeInvalidConfig, c.Number, "неверные тайминги").WithCause(err)
	}

	c.Disposition = c.Disposition.withDefaults()
	return nil
}

func (c LineConfig) account() engine.AccountConfig {
	return engine.AccountConfig{
		Username:  c.Number,
		Password:  c.Password,
		Domain:    c.Domain,
		Transport: c.Transport,
	}
}
