package log

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// newFormatter picks the log line formatter: the pack's custom
// %time/%level/%field/%msg pattern formatter when a Pattern is
// configured, otherwise a colorized logrus-prefixed-formatter for
// interactive console use.
func newFormatter(cfg *LoggerConfig) logrus.Formatter {
	if cfg.Pattern != "" {
		return &patternFormatter{pattern: cfg.Pattern, time: cfg.Time}
	}

	pf := &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: cfg.Time,
	}
	if cfg.Formatter != nil {
		pf.ForceColors = cfg.Formatter.EnableColors
		pf.DisableColors = !cfg.Formatter.EnableColors
		pf.FullTimestamp = cfg.Formatter.FullTimestamp
		pf.DisableSorting = cfg.Formatter.DisableSorting
	}
	return pf
}

type patternFormatter struct {
	pattern string
	time    string
}

// Format supports a unified log output format with %time, %level,
// %field, %msg, %caller, %func, %goroutine placeholders.
func (f *patternFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", entry.Level.String(), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	output = strings.Replace(output, "%caller", getCaller(entry), 1)
	output = strings.Replace(output, "%func", getFunc(entry), 1)
	output = strings.Replace(output, "%goroutine", getGoroutineID(), 1)
	return []byte(output + "\n"), nil
}

func getCaller(entry *logrus.Entry) string {
	if entry.HasCaller() {
		file := entry.Caller.File
		if slashIdx := strings.LastIndex(file, "/"); slashIdx != -1 && slashIdx+1 < len(file) {
			file = file[slashIdx+1:]
		}
		pkg := ""
		if entry.Caller.Function != "" {
			funcParts := strings.Split(entry.Caller.Function, ".")
			if len(funcParts) > 1 {
				pkgParts := strings.Split(funcParts[0], "/")
				pkg = pkgParts[len(pkgParts)-1]
			}
		}
		return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
	}
	_, file, line, ok := runtime.Caller(8)
	if ok {
		if slashIdx := strings.LastIndex(file, "/"); slashIdx != -1 && slashIdx+1 < len(file) {
			file = file[slashIdx+1:]
		}
		return fmt.Sprintf("unknown/%s:%d", file, line)
	}
	return "unknown"
}

func getFunc(entry *logrus.Entry) string {
	if entry.HasCaller() {
		funcName := entry.Caller.Function
		if dotIdx := strings.LastIndex(funcName, "."); dotIdx != -1 && dotIdx+1 < len(funcName) {
			return funcName[dotIdx+1:]
		}
		return entry.Caller.Function
	}
	pc, _, _, ok := runtime.Caller(8)
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName := fn.Name()
			if dotIdx := strings.LastIndex(funcName, "."); dotIdx != -1 && dotIdx+1 < len(funcName) {
				return funcName[dotIdx+1:]
			}
			return funcName
		}
	}
	return "unknown"
}

func getGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	idField := strings.Fields(stack)
	if len(idField) > 0 {
		return idField[0]
	}
	return "unknown"
}

func buildFields(entry *logrus.Entry) string {
	var fields []string
	for key, val := range entry.Data {
		stringVal, ok := val.(string)
		if !ok {
			stringVal = fmt.Sprint(val)
		}
		fields = append(fields, key+"="+stringVal)
	}
	return strings.Join(fields, ",")
}
