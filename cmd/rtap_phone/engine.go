package main

import (
	"fmt"
	"log/slog"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/engine/pjsua"
	"github.com/arzzra/rtap_phone/pkg/engine/simengine"
	"github.com/arzzra/rtap_phone/pkg/engine/sipua"
)

// newEngine creates the engine named by kind. playFiles are preloaded by
// pjsua, the other engines open WAV files on demand.
func newEngine(kind string, playFiles []string, logger *slog.Logger) (engine.Engine, error) {
	switch kind {
	case engineSim:
		return simengine.New(), nil
	case enginePjsua:
		cfg := pjsuaConfigFromViper()
		cfg.PlayFiles = append(cfg.PlayFiles, playFiles...)
		cfg.Logger = logger
		return pjsua.New(cfg), nil
	case engineSIP:
		cfg := sipConfigFromViper()
		cfg.Logger = logger
		return sipua.New(cfg), nil
	}
	return nil, fmt.Errorf("unknown engine %q: expected %s, %s or %s", kind, engineSim, enginePjsua, engineSIP)
}
