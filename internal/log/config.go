package log

import "time"

// LoggerConfig is the ambient logging configuration loaded by viper for
// the cmd/udpcap sample programs. The core pkg/udpcap package never
// reads this; it logs through logrus's standard logger, which this
// configuration does not touch.
type LoggerConfig struct {
	Level     string           `mapstructure:"level" yaml:"level"`
	Pattern   string           `mapstructure:"pattern" yaml:"pattern"`
	Time      string           `mapstructure:"time" yaml:"time"`
	Appenders []AppenderConfig `mapstructure:"appenders" yaml:"appenders"`
	Formatter *FormatterConfig `mapstructure:"formatter" yaml:"formatter,omitempty"`

	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size,omitempty"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval,omitempty"`
}

// AppenderConfig describes one log sink: "console" (stdout, color-capable
// when it is a terminal) or "file" (rotated, via lumberjack). The line
// format is chosen once for all sinks by newFormatter, not per appender.
type AppenderConfig struct {
	Type    string                 `mapstructure:"type" yaml:"type"`
	Level   string                 `mapstructure:"level" yaml:"level,omitempty"`
	Options map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
}

type FormatterConfig struct {
	EnableColors   bool `mapstructure:"enable_colors" yaml:"enable_colors,omitempty"`
	FullTimestamp  bool `mapstructure:"full_timestamp" yaml:"full_timestamp,omitempty"`
	DisableSorting bool `mapstructure:"disable_sorting" yaml:"disable_sorting,omitempty"`
}

// FileAppenderOptions configures a lumberjack-backed rotating file sink.
type FileAppenderOptions struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"maxsize" yaml:"maxsize,omitempty"` // MB
	MaxAge     int    `mapstructure:"maxage" yaml:"maxage,omitempty"`   // days
	MaxBackups int    `mapstructure:"maxbackups" yaml:"maxbackups,omitempty"`
	Compress   bool   `mapstructure:"compress" yaml:"compress,omitempty"`
}

// DefaultConfig mirrors what a bare cmd/udpcap invocation uses when no
// config file is supplied.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Pattern: "%time [%level] %field %msg",
		Time:    "2006-01-02 15:04:05.000",
		Appenders: []AppenderConfig{
			{Type: "console"},
		},
	}
}
