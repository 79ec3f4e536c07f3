package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger
}

type logger struct {
	level  LogLevel
	format string
	output io.Writer
	fields []interface{}
}

func NewLogger(level, format, output string) Logger {
	logLevel := parseLogLevel(level)

	var writer io.Writer
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("Failed to open log file %s: %v, falling back to stdout", output, err)
			writer = os.Stdout
		} else {
			writer = file
		}
	}

	return &logger{
		level:  logLevel,
		format: format,
		output: writer,
	}
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func (l *logger) Debug(msg string, fields ...interface{}) {
	if l.level <= DebugLevel {
		l.log(DebugLevel, msg, fields...)
	}
}

func (l *logger) Info(msg string, fields ...interface{}) {
	if l.level <= InfoLevel {
		l.log(InfoLevel, msg, fields...)
	}
}

func (l *logger) Warn(msg string, fields ...interface{}) {
	if l.level <= WarnLevel {
		l.log(WarnLevel, msg, fields...)
	}
}

func (l *logger) Error(msg string, fields ...interface{}) {
	if l.level <= ErrorLevel {
		l.log(ErrorLevel, msg, fields...)
	}
}

func (l *logger) Fatal(msg string, fields ...interface{}) {
	l.log(FatalLevel, msg, fields...)
	os.Exit(1)
}

func (l *logger) WithField(key string, value interface{}) Logger {
	child := &logger{
		level:  l.level,
		format: l.format,
		output: l.output,
	}
	child.fields = append(append(child.fields, l.fields...), key, value)
	return child
}

func (l *logger) WithError(err error) Logger {
	return l.WithField("error", err.Error())
}

func (l *logger) log(level LogLevel, msg string, fields ...interface{}) {
	timestamp := time.Now().UTC()

	allFields := make([]interface{}, 0, len(l.fields)+len(fields))
	allFields = append(allFields, l.fields...)
	allFields = append(allFields, fields...)

	if l.format == "json" {
		l.logJSON(level, msg, timestamp, allFields...)
	} else {
		l.logText(level, msg, timestamp, allFields...)
	}
}

func (l *logger) logJSON(level LogLevel, msg string, timestamp time.Time, fields ...interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp.Format(time.RFC3339Nano),
		"level":     level.String(),
		"message":   msg,
	}

	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		logEntry[key] = fields[i+1]
	}

	jsonData, err := json.Marshal(logEntry)
	if err != nil {
		fmt.Fprintf(l.output, `{"timestamp":"%s","level":"ERROR","message":"Failed to marshal log entry: %v"}`+"\n",
			timestamp.Format(time.RFC3339Nano), err)
		return
	}

	fmt.Fprintln(l.output, string(jsonData))
}

func (l *logger) logText(level LogLevel, msg string, timestamp time.Time, fields ...interface{}) {
	var fieldsStr strings.Builder

	for i := 0; i+1 < len(fields); i += 2 {
		if fieldsStr.Len() > 0 {
			fieldsStr.WriteString(" ")
		}
		fieldsStr.WriteString(fmt.Sprintf("%v=%v", fields[i], fields[i+1]))
	}

	if fieldsStr.Len() > 0 {
		fmt.Fprintf(l.output, "%s [%s] %s %s\n",
			timestamp.Format(time.RFC3339), level.String(), msg, fieldsStr.String())
	} else {
		fmt.Fprintf(l.output, "%s [%s] %s\n",
			timestamp.Format(time.RFC3339), level.String(), msg)
	}
}
