package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog    *logrus.Entry
	clientLog  *logrus.Entry
	telecomLog *logrus.Entry
	httpLog    *logrus.Entry
	logFile    *lumberjack.Logger
)

// frameLogging controls whether full signaling frames are logged.
var frameLogging bool

// initLogging configures the named loggers from the [logging] section.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   "voicebridge.log",
		MaxSize:    100, // megabytes
		MaxBackups: 1,
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, logFile)
	clientLog = newLogger("client", toLogrusLevel(sec.Key("client").MustInt(2)), consoleMin, fileMin, logFile)
	telecomLog = newLogger("telecom", toLogrusLevel(sec.Key("telecom").MustInt(2)), consoleMin, fileMin, logFile)
	httpLog = newLogger("http", toLogrusLevel(sec.Key("http").MustInt(2)), consoleMin, fileMin, logFile)

	frameLogging = sec.Key("frames").MustBool(true)
	if !frameLogging {
		// filter out verbose signaling frame dumps
		clientLog.Logger.AddHook(&frameFilterHook{})
	}

	return nil
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin)})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// frameFilterHook suppresses logging of full signaling frames when disabled via configuration.
type frameFilterHook struct{}

func (h *frameFilterHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *frameFilterHook) Fire(e *logrus.Entry) error {
	if strings.HasPrefix(e.Message, "received signaling frame:") {
		// elevate level so writer hooks ignore the entry
		e.Level = logrus.PanicLevel + 1
	}
	return nil
}
