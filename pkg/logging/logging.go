// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the printf-style logging facade used across the
// toolkit. It is a thin layer over logrus with a terminal-aware formatter.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&terminalFormatter{
		colored: isatty.IsTerminal(os.Stderr.Fd()),
	})
	return l
}

// SetVerbose toggles debug-level output.
func SetVerbose(verbose bool) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// Debug logs a debug-level message.
func Debug(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Info logs an info-level message.
func Info(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warn logs a warning-level message.
func Warn(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Error logs an error-level message.
func Error(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// Fatal logs an error-level message and exits with a non-zero status.
func Fatal(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

type terminalFormatter struct {
	colored bool
}

func (f *terminalFormatter) Format(e *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(e.Level.String())
	if f.colored {
		switch e.Level {
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			level = color.RedString(level)
		case logrus.WarnLevel:
			level = color.YellowString(level)
		case logrus.DebugLevel:
			level = color.CyanString(level)
		default:
			level = color.GreenString(level)
		}
	}
	ts := e.Time.Format("2006-01-02 15:04:05")
	return []byte(fmt.Sprintf("%s [%s] %s\n", ts, level, e.Message)), nil
}
