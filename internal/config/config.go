// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root configuration structure
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Link        LinkConfig        `mapstructure:"link"`
	Emulator    EmulatorConfig    `mapstructure:"emulator"`
	Catalog     string            `mapstructure:"catalog"`   // YAML property catalog
	Changelog   string            `mapstructure:"changelog"` // CBOR file of finished transactions, empty to disable
	Serve       ServeConfig       `mapstructure:"serve"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // Log file path
}

// SchedulerConfig selects the task manager.
type SchedulerConfig struct {
	Mode       string        `mapstructure:"mode"` // "queued", "direct"
	MaxThreads int           `mapstructure:"max_threads"`
	IOTimeout  time.Duration `mapstructure:"io_timeout"` // per device access of a property task
}

// TransactionConfig bounds waiting for the outer transaction.
type TransactionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LinkConfig describes how the device is reached.
type LinkConfig struct {
	Type         string            `mapstructure:"type"` // "emulator", "local", "rtu", "rtu-over-tcp", "tcp"
	SlaveID      int               `mapstructure:"slave_id"`
	TypeRegister uint16            `mapstructure:"type_register"` // holding register carrying the device type code
	DeviceTypes  map[string]string `mapstructure:"device_types"`  // type code -> device type
	Tcp          TcpConfig         `mapstructure:"tcp"`           // Used if Type is "tcp" or "rtu-over-tcp"
	Serial       SerialConfig      `mapstructure:"serial"`        // Used if Type is "rtu"
}

// TypeCodes parses DeviceTypes.
func (l LinkConfig) TypeCodes() (map[uint16]string, error) {
	codes := make(map[uint16]string, len(l.DeviceTypes))
	for k, name := range l.DeviceTypes {
		code, err := strconv.ParseUint(k, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("device type code %q: %w", k, err)
		}
		codes[uint16(code)] = name
	}
	return codes, nil
}

// EmulatorConfig defines the in-process emulated device
type EmulatorConfig struct {
	DeviceType  string            `mapstructure:"device_type"`
	TypeCode    uint16            `mapstructure:"type_code"` // stored in the type register when served over Modbus
	Base        uint32            `mapstructure:"base"`
	Size        int               `mapstructure:"size"`
	Latency     time.Duration     `mapstructure:"latency"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines how the emulated memory is stored
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path for "file/mmap", DSN for "sql"
}

// ServeConfig lists the Modbus endpoints the serve command exposes the
// emulator on. Empty addresses and devices are skipped.
type ServeConfig struct {
	SlaveIDs   string        `mapstructure:"slave_ids"` // e.g. "1,5-7", empty for link.slave_id
	Timeout    time.Duration `mapstructure:"timeout"`   // per forwarded request
	Tcp        TcpConfig     `mapstructure:"tcp"`
	RtuOverTcp TcpConfig     `mapstructure:"rtu_over_tcp"`
	Serial     SerialConfig  `mapstructure:"serial"`
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string        `mapstructure:"address"` // e.g. "0.0.0.0:502" or "192.168.1.100:502"
	Timeout time.Duration `mapstructure:"timeout"`
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// Flags registers the command line overrides LoadConfig understands.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to config file")
	fs.StringP("log-level", "v", "", "Log level (debug, info, warn, error)")
	fs.String("link", "", "Link type (emulator, local, rtu, rtu-over-tcp, tcp)")
	fs.String("catalog", "", "Path to the property catalog")
}

// LoadConfig loads configuration from file. Without an explicit file the
// usual locations are searched and defaults are used if none exists. fs,
// if not nil, overrides file settings with the flags registered by Flags.
func LoadConfig(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/devprops/")
		v.AddConfigPath("$HOME/.devprops")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("scheduler.mode", "queued")
	v.SetDefault("scheduler.max_threads", 4)
	v.SetDefault("scheduler.io_timeout", 5*time.Second)
	v.SetDefault("transaction.timeout", 10*time.Second)
	v.SetDefault("link.type", "emulator")
	v.SetDefault("link.slave_id", 1)
	v.SetDefault("emulator.device_type", "generic")
	v.SetDefault("emulator.type_code", 1)
	v.SetDefault("emulator.size", 0x10000)
	v.SetDefault("emulator.persistence.type", "memory")
	v.SetDefault("serve.timeout", 2*time.Second)

	if fs != nil {
		for key, flag := range map[string]string{"log.level": "log-level", "link.type": "link", "catalog": "catalog"} {
			if f := fs.Lookup(flag); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	fixupSerial(&config.Link.Serial)
	fixupSerial(&config.Serve.Serial)
	fixupTcp(&config.Link.Tcp)
	fixupTcp(&config.Serve.Tcp)
	fixupTcp(&config.Serve.RtuOverTcp)

	switch config.Scheduler.Mode {
	case "queued", "direct":
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", config.Scheduler.Mode)
	}
	if config.Scheduler.MaxThreads <= 0 {
		return nil, fmt.Errorf("scheduler.max_threads must be positive, got %d", config.Scheduler.MaxThreads)
	}
	if config.Link.SlaveID < 0 || config.Link.SlaveID > 247 {
		return nil, fmt.Errorf("link.slave_id %d out of range", config.Link.SlaveID)
	}
	if _, err := config.Link.TypeCodes(); err != nil {
		return nil, err
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "E"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}

func fixupTcp(t *TcpConfig) {
	if t.Timeout == 0 {
		t.Timeout = 10 * time.Second
	}
}
