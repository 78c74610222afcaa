package log

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// MultiWriter fans out one log stream to several sinks (console, file).
type MultiWriter struct {
	writers []io.Writer
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

// consoleWriter returns a color-capable stdout writer, downgrading to
// plain os.Stdout when the output isn't a terminal (piped to a file, CI).
func consoleWriter() io.Writer {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return colorable.NewColorableStdout()
	}
	return os.Stdout
}

// fileWriter builds a rotating file appender from AppenderConfig.Options,
// decoded into FileAppenderOptions.
func fileWriter(cfg AppenderConfig) (io.Writer, error) {
	filename, _ := cfg.Options["filename"].(string)
	if filename == "" {
		return nil, fmt.Errorf("file appender requires options.filename")
	}

	opts := FileAppenderOptions{Filename: filename, MaxSize: 100, MaxAge: 7, MaxBackups: 3}
	if v, ok := cfg.Options["maxsize"].(int); ok {
		opts.MaxSize = v
	}
	if v, ok := cfg.Options["maxage"].(int); ok {
		opts.MaxAge = v
	}
	if v, ok := cfg.Options["maxbackups"].(int); ok {
		opts.MaxBackups = v
	}
	if v, ok := cfg.Options["compress"].(bool); ok {
		opts.Compress = v
	}

	return &lumberjack.Logger{
		Filename:   opts.Filename,
		MaxSize:    opts.MaxSize,
		MaxAge:     opts.MaxAge,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
	}, nil
}

func buildWriter(cfg *LoggerConfig) io.Writer {
	mw := NewMultiWriter()
	if len(cfg.Appenders) == 0 {
		return colorable.NewColorableStdout()
	}

	for _, appender := range cfg.Appenders {
		switch appender.Type {
		case "file":
			w, err := fileWriter(appender)
			if err != nil {
				fmt.Fprintf(os.Stderr, "udpcap: log appender config error: %v\n", err)
				continue
			}
			mw.Add(w)
		default:
			mw.Add(consoleWriter())
		}
	}
	return mw
}
