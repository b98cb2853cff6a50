// Package log2 is a small leveled logger:
// - level filtering, e.g. show debug messages in tests only
// - safe concurrent change of log level
// - nil *Log is a valid silent logger
// - satisfies paho mqtt.Logger so transport internals land in the same stream
//
// Pass *Log explicitly through options structs; there is no package global.
package log2

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LWarning
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

func (l Level) String() string {
	switch l {
	case LError:
		return "error"
	case LWarning:
		return "warning"
	case LInfo:
		return "info"
	case LDebug:
		return "debug"
	case LAll:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// ParseLevel accepts names produced by Level.String().
func ParseLevel(s string) (Level, error) {
	for _, l := range []Level{LError, LWarning, LInfo, LDebug, LAll} {
		if s == l.String() {
			return l, nil
		}
	}
	return LInfo, fmt.Errorf("log2: unknown level=%q", s)
}

type Log struct {
	l       *log.Logger
	level   Level
	w       io.Writer
	fatalf  FmtFunc
	errfunc atomic.Value // ErrorFunc
}

type FmtFunc func(format string, args ...interface{})
type ErrorFunc func(error)

type FuncWriter struct{ FmtFunc }

func (fw FuncWriter) Write(b []byte) (int, error) {
	// t.Logf adds its own newline
	s := string(b)
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	fw.FmtFunc("%s", s)
	return len(b), nil
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }

func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.SetFlags(LTestFlags)
	l.fatalf = t.Fatalf
	return l
}

// Clone returns independent logger to the same writer, with new level.
// Flags, prefix and error func are inherited.
func (lg *Log) Clone(level Level) *Log {
	if lg == nil {
		return nil
	}
	l := NewWriter(lg.w, level)
	l.SetFlags(lg.l.Flags())
	l.SetPrefix(lg.l.Prefix())
	l.fatalf = lg.fatalf
	if f, ok := lg.errfunc.Load().(ErrorFunc); ok {
		l.errfunc.Store(f)
	}
	return l
}

// Prefixed is Clone with current level and extra prefix appended.
func (lg *Log) Prefixed(prefix string) *Log {
	if lg == nil {
		return nil
	}
	l := lg.Clone(Level(atomic.LoadInt32((*int32)(&lg.level))))
	l.SetPrefix(lg.l.Prefix() + prefix)
	return l
}

func (lg *Log) SetLevel(l Level) {
	if lg == nil {
		return
	}
	atomic.StoreInt32((*int32)(&lg.level), int32(l))
}

func (lg *Log) SetFlags(f int) {
	if lg == nil {
		return
	}
	lg.l.SetFlags(f)
}

func (lg *Log) SetPrefix(prefix string) {
	if lg == nil {
		return
	}
	lg.l.SetPrefix(prefix)
}

// SetErrorFunc registers hook called on every Error/Errorf, regardless of level.
func (lg *Log) SetErrorFunc(f ErrorFunc) {
	if lg == nil {
		return
	}
	lg.errfunc.Store(f)
}

func (lg *Log) Enabled(level Level) bool {
	if lg == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&lg.level)) >= int32(level)
}

func (lg *Log) Log(level Level, s string) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, s)
	}
}
func (lg *Log) Logf(level Level, format string, args ...interface{}) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (lg *Log) Error(args ...interface{}) {
	if lg == nil {
		return
	}
	lg.Log(LError, "error: "+fmt.Sprint(args...))
	if f, ok := lg.errfunc.Load().(ErrorFunc); ok && f != nil {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				f(e)
				return
			}
		}
		f(fmt.Errorf("%s", fmt.Sprint(args...)))
	}
}
func (lg *Log) Errorf(format string, args ...interface{}) {
	if lg == nil {
		return
	}
	lg.Logf(LError, "error: "+format, args...)
	if f, ok := lg.errfunc.Load().(ErrorFunc); ok && f != nil {
		f(fmt.Errorf(format, args...))
	}
}
func (lg *Log) Warning(args ...interface{}) {
	lg.Log(LWarning, "warning: "+fmt.Sprint(args...))
}
func (lg *Log) Warningf(format string, args ...interface{}) {
	lg.Logf(LWarning, "warning: "+format, args...)
}
func (lg *Log) Info(args ...interface{}) {
	lg.Log(LInfo, fmt.Sprint(args...))
}
func (lg *Log) Infof(format string, args ...interface{}) {
	lg.Logf(LInfo, format, args...)
}
func (lg *Log) Debug(args ...interface{}) {
	lg.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (lg *Log) Debugf(format string, args ...interface{}) {
	lg.Logf(LDebug, "debug: "+format, args...)
}

// Println and Printf make *Log usable as paho mqtt.Logger.
// Level is fixed per paho stream, see LevelLogger.
func (lg *Log) Println(v ...interface{}) {
	lg.Log(LInfo, fmt.Sprint(v...))
}
func (lg *Log) Printf(format string, v ...interface{}) {
	lg.Logf(LInfo, format, v...)
}

// LevelLogger adapts *Log into fixed level Println/Printf sink.
type LevelLogger struct {
	L     *Log
	Level Level
}

func (ll LevelLogger) Println(v ...interface{}) {
	ll.L.Log(ll.Level, fmt.Sprint(v...))
}
func (ll LevelLogger) Printf(format string, v ...interface{}) {
	ll.L.Logf(ll.Level, format, v...)
}

func (lg *Log) Fatalf(format string, args ...interface{}) {
	if lg != nil && lg.fatalf != nil {
		lg.fatalf(format, args...)
		return
	}
	lg.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (lg *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if lg != nil && lg.fatalf != nil {
		lg.fatalf("%s", s)
		return
	}
	lg.Logf(LError, "fatal: "+s)
	os.Exit(1)
}
