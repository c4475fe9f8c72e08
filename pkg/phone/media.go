package phone

import (
	"log/slog"
	"os"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// Playback активное воспроизведение файла в вызов. Существует только пока
// плеер подключен к вызову.
type Playback struct {
	Player     engine.PlayerID
	PlayerSlot engine.Slot
	CallSlot   engine.Slot
	Path       string
	Loop       bool
}

// Playing возвращает true, если воспроизведение подключено к вызову
func (l *Line) Playing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playback != nil
}

// CurrentPlayback возвращает копию текущего воспроизведения
func (l *Line) CurrentPlayback() (Playback, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.playback == nil {
		return Playback{}, false
	}
	return *l.playback, true
}

// checkAudioFile проверяет, что path существует и является обычным файлом
func (l *Line) checkAudioFile(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return errAudioFileNotFound(l.cfg.Number, path, err)
	}
	if !st.Mode().IsRegular() {
		return errAudioFileNotFound(l.cfg.Number, path, nil).WithField("mode", st.Mode().String())
	}
	return nil
}

// StartPlayback воспроизводит файл в текущий вызов.
//
// Неверный путь возвращает ErrAudioFileNotFound. Если вызова нет или он не
// валиден, воспроизведение пропускается с записью в лог: тесты часто
// пытаются играть в вызов, на который так и не ответили. Уже идущее
// воспроизведение сначала останавливается.
func (l *Line) StartPlayback(path string, loop bool) error {
	if err := l.checkAudioFile(path); err != nil {
		return err
	}
	if !l.attach("start_playback") {
		return NewPhoneError(CodeWorkerNotAttached, l.cfg.Number, "воркер не зарегистрирован")
	}
	return l.startPlayback(path, loop)
}

// startPlayback выполняется и на воркере, и на горутине движка после ответа
func (l *Line) startPlayback(path string, loop bool) error {
	if err := l.checkAudioFile(path); err != nil {
		return err
	}

	logger := l.logger.With(slog.String("file", path), slog.Bool("loop", loop))

	call := l.CurrentCall()
	if call == nil {
		logger.Warn("Воспроизведение пропущено: вызова нет")
		return nil
	}
	info, err := l.eng.CallInfo(call.ID)
	if callEnded(info, err) {
		logger.Warn("Воспроизведение пропущено: вызов не валиден", slog.Int("call_id", int(call.ID)))
		return nil
	}

	callSlot := call.Slot()
	if err == nil && info.ConfSlot != engine.InvalidSlot {
		callSlot = info.ConfSlot
	}
	if callSlot == engine.InvalidSlot {
		logger.Warn("Воспроизведение пропущено: у вызова нет порта моста", slog.Int("call_id", int(call.ID)))
		return nil
	}

	if l.Playing() {
		l.StopPlayback()
	}

	player, err := l.eng.CreatePlayer(path, loop)
	if err != nil {
		return NewPhoneError(CodePlaybackFailed, l.cfg.Number, "создание плеера").
			WithField("path", path).
			WithCause(err)
	}

	playerSlot, err := l.eng.PlayerSlot(player)
	if err != nil {
		l.destroyPlayer(player)
		return NewPhoneError(CodePlaybackFailed, l.cfg.Number, "порт плеера").
			WithField("player", int(player)).
			WithCause(err)
	}

	if err := l.eng.Connect(playerSlot, callSlot); err != nil {
		l.destroyPlayer(player)
		return NewPhoneError(CodePlaybackFailed, l.cfg.Number, "подключение плеера к вызову").
			WithField("player_slot", int(playerSlot)).
			WithField("call_slot", int(callSlot)).
			WithCause(err)
	}

	pb := &Playback{
		Player:     player,
		PlayerSlot: playerSlot,
		CallSlot:   callSlot,
		Path:       path,
		Loop:       loop,
	}

	// вызов мог завершиться, пока плеер подключался: завершение на другой
	// горутине не увидело бы его и не освободило
	l.mu.Lock()
	if l.call != call || call.State() == StateEnded {
		l.mu.Unlock()
		l.releasePlayback(pb)
		logger.Warn("Воспроизведение отменено: вызов завершился при подключении плеера",
			slog.Int("call_id", int(call.ID)))
		return nil
	}
	prev := l.playback
	l.playback = pb
	l.mu.Unlock()

	if prev != nil {
		l.releasePlayback(prev)
	}

	logger.Info("Воспроизведение запущено",
		slog.Int("player_slot", int(playerSlot)),
		slog.Int("call_slot", int(callSlot)))
	return nil
}

// StopPlayback отключает плеер от вызова и уничтожает его. Повторный вызов
// и ошибки движка не приводят к ошибке, они только логируются.
func (l *Line) StopPlayback() {
	l.mu.Lock()
	pb := l.playback
	l.playback = nil
	l.mu.Unlock()

	if pb == nil {
		l.logger.Debug("Остановка воспроизведения: плеера нет")
		return
	}

	l.releasePlayback(pb)
	l.logger.Info("Воспроизведение остановлено", slog.String("file", pb.Path))
}

// releasePlayback отключает плеер от вызова и уничтожает его
func (l *Line) releasePlayback(pb *Playback) {
	if err := l.eng.Disconnect(pb.PlayerSlot, pb.CallSlot); err != nil {
		l.logger.Warn("Ошибка отключения плеера",
			slog.Int("player_slot", int(pb.PlayerSlot)),
			slog.Int("call_slot", int(pb.CallSlot)),
			slog.String("error", err.Error()))
	}
	l.destroyPlayer(pb.Player)
}

// stopPlaybackForEndedCall освобождает плеер вызова, завершенного удаленной стороной
func (l *Line) stopPlaybackForEndedCall() {
	if l.Playing() {
		l.StopPlayback()
	}
}

func (l *Line) destroyPlayer(id engine.PlayerID) {
	if err := l.eng.DestroyPlayer(id); err != nil {
		l.logger.Warn("Ошибка уничтожения плеера",
			slog.Int("player", int(id)),
			slog.String("error", err.Error()))
	}
}
