package sipua

import (
	"fmt"
	"log/slog"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// CreatePlayer loads a 16-bit PCM WAV file and adds it to the bridge
func (e *Engine) CreatePlayer(path string, loop bool) (engine.PlayerID, error) {
	p, err := openPlayer(path, loop)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0, engine.ErrNotStarted
	}
	e.nextPlayer++
	p.id = e.nextPlayer
	p.slot = e.bridge.add(p)
	e.players[p.id] = p

	e.logger.Debug("Player created",
		slog.Int("player", int(p.id)),
		slog.Int("slot", int(p.slot)),
		slog.String("path", path),
		slog.Bool("loop", loop))
	return p.id, nil
}

// PlayerSlot returns the bridge port of a player
func (e *Engine) PlayerSlot(id engine.PlayerID) (engine.Slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.players[id]
	if !ok {
		return engine.InvalidSlot, fmt.Errorf("%w: %d", engine.ErrUnknownPlayer, id)
	}
	return p.slot, nil
}

// Connect makes dst hear src
func (e *Engine) Connect(src, dst engine.Slot) error {
	if !e.isStarted() {
		return engine.ErrNotStarted
	}
	return e.bridge.connect(src, dst)
}

// Disconnect removes a link made by Connect
func (e *Engine) Disconnect(src, dst engine.Slot) error {
	if !e.isStarted() {
		return engine.ErrNotStarted
	}
	return e.bridge.disconnect(src, dst)
}

// DestroyPlayer removes the player and its links
func (e *Engine) DestroyPlayer(id engine.PlayerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.players[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownPlayer, id)
	}
	if e.bridge != nil {
		e.bridge.remove(p.slot)
	}
	delete(e.players, id)
	return nil
}

func (e *Engine) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}
