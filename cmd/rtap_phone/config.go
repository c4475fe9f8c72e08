package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arzzra/rtap_phone/pkg/engine/pjsua"
	"github.com/arzzra/rtap_phone/pkg/engine/sipua"
)

// Engine kinds accepted by engine.kind
const (
	engineSim   = "sim"
	enginePjsua = "pjsua"
	engineSIP   = "sip"
)

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
	"engine":         "engine.kind",
	"metrics-listen": "metrics.listen",
}

// bindFlags connects the flags of the executing command to viper keys, so
// an explicit flag beats env and the config file
func bindFlags(cmd *cobra.Command) {
	setDefaults()
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

func setDefaults() {
	viper.SetDefault("engine.kind", enginePjsua)
	viper.SetDefault("metrics.listen", "")
	viper.SetDefault("metrics.namespace", "rtap")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 7)
	viper.SetDefault("log.compress", false)

	pj := pjsua.DefaultConfig()
	viper.SetDefault("pjsua.binary", pj.BinaryPath)
	viper.SetDefault("pjsua.host", pj.Host)
	viper.SetDefault("pjsua.telnet_port", pj.TelnetPort)
	viper.SetDefault("pjsua.local_port", pj.LocalPort)
	viper.SetDefault("pjsua.max_calls", pj.MaxCalls)
	viper.SetDefault("pjsua.log_file", pj.LogFile)
	viper.SetDefault("pjsua.log_level", pj.LogLevel)
	viper.SetDefault("pjsua.play_files", []string{})
	viper.SetDefault("pjsua.extra_args", []string{})
	viper.SetDefault("pjsua.startup_timeout", pj.StartupTimeout)
	viper.SetDefault("pjsua.command_timeout", pj.CommandTimeout)
	viper.SetDefault("pjsua.monitor_interval", pj.MonitorInterval)

	sc := sipua.DefaultConfig()
	viper.SetDefault("sip.listen_host", sc.ListenHost)
	viper.SetDefault("sip.listen_port", sc.ListenPort)
	viper.SetDefault("sip.transport", sc.Transport)
	viper.SetDefault("sip.advertise_host", "")
	viper.SetDefault("sip.user_agent", sc.UserAgent)
	viper.SetDefault("sip.register_expiry", sc.RegisterExpiry)
	viper.SetDefault("sip.register_retry", sc.RegisterRetry)
	viper.SetDefault("sip.request_timeout", sc.RequestTimeout)
	viper.SetDefault("sip.rtp_port_min", sc.RTPPortMin)
	viper.SetDefault("sip.rtp_port_max", sc.RTPPortMax)
	viper.SetDefault("sip.dscp", sc.DSCP)
	viper.SetDefault("sip.socket_priority", sc.SocketPriority)
	viper.SetDefault("sip.dtmf_duration", sc.DTMFDuration)
	viper.SetDefault("sip.debug", false)
}

func logConfigFromViper() logConfig {
	return logConfig{
		Level:      viper.GetString("log.level"),
		Format:     viper.GetString("log.format"),
		File:       viper.GetString("log.file"),
		MaxSize:    viper.GetInt("log.max_size"),
		MaxBackups: viper.GetInt("log.max_backups"),
		MaxAge:     viper.GetInt("log.max_age"),
		Compress:   viper.GetBool("log.compress"),
	}
}

func pjsuaConfigFromViper() pjsua.Config {
	return pjsua.Config{
		BinaryPath:      viper.GetString("pjsua.binary"),
		Host:            viper.GetString("pjsua.host"),
		TelnetPort:      viper.GetInt("pjsua.telnet_port"),
		LocalPort:       viper.GetInt("pjsua.local_port"),
		MaxCalls:        viper.GetInt("pjsua.max_calls"),
		LogFile:         viper.GetString("pjsua.log_file"),
		LogLevel:        viper.GetInt("pjsua.log_level"),
		PlayFiles:       viper.GetStringSlice("pjsua.play_files"),
		ExtraArgs:       viper.GetStringSlice("pjsua.extra_args"),
		StartupTimeout:  viper.GetDuration("pjsua.startup_timeout"),
		CommandTimeout:  viper.GetDuration("pjsua.command_timeout"),
		MonitorInterval: viper.GetDuration("pjsua.monitor_interval"),
	}
}

func sipConfigFromViper() sipua.Config {
	cfg := sipua.DefaultConfig()
	cfg.ListenHost = viper.GetString("sip.listen_host")
	cfg.ListenPort = viper.GetInt("sip.listen_port")
	cfg.Transport = viper.GetString("sip.transport")
	cfg.AdvertiseHost = viper.GetString("sip.advertise_host")
	cfg.UserAgent = viper.GetString("sip.user_agent")
	cfg.RegisterExpiry = viper.GetDuration("sip.register_expiry")
	cfg.RegisterRetry = viper.GetDuration("sip.register_retry")
	cfg.RequestTimeout = viper.GetDuration("sip.request_timeout")
	cfg.RTPPortMin = viper.GetInt("sip.rtp_port_min")
	cfg.RTPPortMax = viper.GetInt("sip.rtp_port_max")
	cfg.DSCP = viper.GetInt("sip.dscp")
	cfg.SocketPriority = viper.GetInt("sip.socket_priority")
	cfg.DTMFDuration = viper.GetDuration("sip.dtmf_duration")
	cfg.Debug = viper.GetBool("sip.debug")
	return cfg
}
