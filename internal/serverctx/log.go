/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package serverctx

import (
	"io"
	"log"
	"os"
)

// Level is a log severity. The teacher logs everything through bare
// fmt.Println/fmt.Print (storage/settings.go, scm/*.go); a range server
// has failure paths (split, replay, coordinator loss) worth distinguishing
// from routine traffic, so Logger adds levels on top of the same
// standard-library log.Logger the teacher already reaches for elsewhere
// (server-node-golang/main.go's log.Fatal calls).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

// Logger is a leveled wrapper over log.Logger. The zero value is not
// usable; construct with NewLogger.
type Logger struct {
	out   *log.Logger
	level Level
}

// NewLogger writes to w, suppressing any message below level.
func NewLogger(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{out: log.New(w, "", log.LstdFlags), level: level}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	l.out.Printf("["+level.String()+"] "+format, args...)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
