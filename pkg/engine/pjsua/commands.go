package pjsua

import (
	"fmt"
	"strconv"
	"strings"
)

// Hierarchical pjsua CLI commands
const (
	cmdCallList  = "call list"
	cmdAccShow   = "acc show"
	cmdConfList  = "audio conf list"
	cmdShutdown  = "shutdown"
	cmdAccReg    = "acc reg"
	cmdAccUnreg  = "acc unreg"
	cmdCallNew   = "call new"
	cmdAnswer    = "call answer"
	cmdHangup    = "call hangup"
	cmdDTMF      = "call dtmf"
	cmdAccAdd    = "acc add"
	cmdAccDel    = "acc del"
	cmdAccSelect = "acc default"
	cmdConfConn  = "audio conf connect"
	cmdConfDisc  = "audio conf disconnect"
)

// formatCommand joins a command with its arguments
func formatCommand(cmd string, args ...any) string {
	if len(args) == 0 {
		return cmd
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, cmd)
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, " ")
}

// buildArgs returns the pjsua command line for an engine process
func buildArgs(cfg Config) []string {
	args := []string{
		"--null-audio",
		"--use-cli",
		"--cli-telnet-port", strconv.Itoa(cfg.TelnetPort),
		"--no-cli-console",
		"--max-calls", strconv.Itoa(cfg.MaxCalls),
	}
	if cfg.LocalPort > 0 {
		args = append(args, "--local-port", strconv.Itoa(cfg.LocalPort))
	}
	if cfg.LogFile != "" {
		args = append(args, "--log-file", cfg.LogFile)
	}
	if cfg.LogLevel > 0 {
		args = append(args, "--log-level", strconv.Itoa(cfg.LogLevel))
	}
	for _, f := range cfg.PlayFiles {
		args = append(args, "--play-file", f)
	}
	return append(args, cfg.ExtraArgs...)
}
