package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logger    = slog.Default()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "rtap_phone",
	Short: "Drive SIP softphone lines through call scenarios",
	Long: `rtap_phone registers telephone lines on a PBX, places and answers
calls, checks media, sends DTMF and plays audio, as described by a
scenario file. Every line runs on its own worker of a shared telephony
engine (pjsua, the native SIP stack or the in-process simulator).`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		bindFlags(cmd)
		if err := initConfig(cmd); err != nil {
			return err
		}
		return initLogging(cmd.ErrOrStderr())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default $HOME/.rtap_phone.yaml)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")
}

// initConfig reads the config file named by --config on cmd's root, or the
// optional default file, and enables RTAP_PHONE_* env overrides
func initConfig(cmd *cobra.Command) error {
	if cfgFile, _ := cmd.Root().PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.SetConfigFile(filepath.Join(home, ".rtap_phone.yaml"))
		// the default file is optional
		if err := viper.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	viper.SetEnvPrefix("RTAP_PHONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	return nil
}

func initLogging(stderr io.Writer) error {
	closeLogging()
	l, closer, err := newLogger(logConfigFromViper(), stderr)
	if err != nil {
		return err
	}
	logger, logCloser = l, closer
	slog.SetDefault(l)
	return nil
}

// closeLogging flushes the log file, if any
func closeLogging() {
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}
