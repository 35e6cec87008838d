// Package logging configures the jwalterweatherman notepad shared by every
// package of the server.
package logging

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ParseLevel maps a level name (TRACE, DEBUG, INFO, WARN, ERROR, CRITICAL,
// FATAL) to its threshold. Names are case-insensitive.
func ParseLevel(level string) (jww.Threshold, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return jww.LevelTrace, nil
	case "DEBUG":
		return jww.LevelDebug, nil
	case "INFO", "":
		return jww.LevelInfo, nil
	case "WARN", "WARNING":
		return jww.LevelWarn, nil
	case "ERROR":
		return jww.LevelError, nil
	case "CRITICAL":
		return jww.LevelCritical, nil
	case "FATAL":
		return jww.LevelFatal, nil
	}
	return jww.LevelInfo, errors.Errorf("invalid log level %q", level)
}

// Init sets the log threshold and output. A logPath of "-" logs to stdout and
// an empty logPath leaves logging unconfigured. Any other path is opened for
// appending and stdout is silenced.
func Init(level, logPath string) error {
	threshold, err := ParseLevel(level)
	if err != nil {
		return err
	}

	if logPath == "" {
		return nil
	} else if logPath != "-" {
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "failed to open log file %s", logPath)
		}
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(logOutput)
	}

	// Display microseconds if the threshold is set to TRACE or DEBUG
	if threshold == jww.LevelTrace || threshold == jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	jww.INFO.Printf("log level set to: %v", threshold)
	return nil
}
