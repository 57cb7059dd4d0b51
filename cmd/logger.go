package cmd

import (
	"fmt"
	"io"
	"log/syslog"
	"os"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/gologme/log"
)

const syslogTag = "mailsync"

// newServiceLogger returns the logger of the long running commands (server, sync daemon).
// Lines go to the log file or stderr, and to the system log when configured.
// With syslog enabled, stderr only receives the log in verbose mode.
func newServiceLogger(prefix string) (*log.Logger, io.Closer, error) {
	writers := make([]io.Writer, 0, 2)
	closers := make(multiCloser, 0, 2)

	if config.Log.Syslog {
		writer, err := syslog.New(syslog.LOG_MAIL|syslog.LOG_INFO, syslogTag)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: cannot open system log: %s", lib.ErrConfig, err)
		}
		writers = append(writers, writer)
		closers = append(closers, writer)
	}
	if config.Log.File != "" {
		file, err := os.OpenFile(config.Log.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
		if err != nil {
			closers.Close()
			return nil, nil, fmt.Errorf("%w: cannot open log file: %s", lib.ErrConfig, err)
		}
		writers = append(writers, file)
		closers = append(closers, file)
	} else if !config.Log.Syslog || global.verbose {
		writers = append(writers, os.Stderr)
	}

	flags := log.LstdFlags | log.Lmsgprefix
	if config.Log.Syslog && config.Log.File == "" && !global.verbose {
		// syslog adds its own timestamp
		flags = log.Lmsgprefix
	}
	logger := log.New(io.MultiWriter(writers...), "["+prefix+"] ", flags)
	logger.EnableLevel("info")
	logger.EnableLevel("warn")
	logger.EnableLevel("error")
	if global.verbose {
		logger.EnableLevel("debug")
	}
	return logger, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, closer := range m {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
