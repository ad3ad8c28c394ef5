package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

var (
	DebugLogger *log.Logger
	InfoLogger  *log.Logger
	WarnLogger  *log.Logger
	ErrorLogger *log.Logger
)

// InitLogging initializes logging
// level is one of debug, info, warn, error; anything else means info.
func InitLogging(level ...string) {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	lvl := "info"
	if len(level) > 0 && level[0] != "" {
		lvl = strings.ToLower(level[0])
	}

	DebugLogger = log.New(sink(lvl == "debug", os.Stdout), "DEBUG: ", flags)
	InfoLogger = log.New(sink(lvl == "debug" || lvl == "info", os.Stdout), "INFO: ", flags)
	WarnLogger = log.New(sink(lvl != "error", os.Stdout), "WARN: ", flags)
	ErrorLogger = log.New(os.Stderr, "ERROR: ", flags)
}

func sink(enabled bool, w io.Writer) io.Writer {
	if enabled {
		return w
	}
	return io.Discard
}

// Debugf logs debug level messages
func Debugf(format string, v ...interface{}) {
	if DebugLogger != nil {
		DebugLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Warnf logs warning level messages
func Warnf(format string, v ...interface{}) {
	if WarnLogger != nil {
		WarnLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Output(2, fmt.Sprintf(format, v...))
	}
}
