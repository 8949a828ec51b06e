// Package log2 is a thin leveled wrapper around stdlib log.
// - level filtering with safe concurrent level change
// - nil *Log is valid and silent, avoids branching at call sites
// - NewTest routes output to t.Logf for parallel tests
package log2

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
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
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type Log struct {
	l       *log.Logger
	level   Level
	w       io.Writer
	fatalf  FmtFunc
	onError func(error)
}

type FmtFunc func(format string, args ...interface{})

type fmtFuncWriter struct{ FmtFunc }

func (ffw fmtFuncWriter) Write(b []byte) (int, error) {
	ffw.FmtFunc(string(b))
	return len(b), nil
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(fmtFuncWriter{f}, level) }

func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.fatalf = t.Fatalf
	l.SetFlags(LTestFlags)
	return l
}

func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	n := NewWriter(l.w, level)
	n.l.SetFlags(l.l.Flags())
	n.fatalf = l.fatalf
	n.onError = l.onError
	return n
}

func (l *Log) SetLevel(lv Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(lv))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) SetPrefix(prefix string) {
	if l == nil {
		return
	}
	l.l.SetPrefix(prefix)
}

// SetErrorFunc registers a hook called with every Error[f] argument.
func (l *Log) SetErrorFunc(f func(error)) {
	if l == nil {
		return
	}
	l.onError = f
}

func (l *Log) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(level)
}

func (l *Log) Log(level Level, s string) {
	if l.Enabled(level) {
		_ = l.l.Output(3, s)
	}
}

func (l *Log) Logf(level Level, format string, args ...interface{}) {
	if l.Enabled(level) {
		_ = l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Error(args ...interface{}) {
	if l == nil {
		return
	}
	if l.onError != nil {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				l.onError(e)
			} else {
				l.onError(fmt.Errorf("%s", fmt.Sprint(args...)))
			}
		} else {
			l.onError(fmt.Errorf("%s", fmt.Sprint(args...)))
		}
	}
	l.Log(LError, "error: "+fmt.Sprint(args...))
}

func (l *Log) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	if l.onError != nil {
		l.onError(fmt.Errorf(format, args...))
	}
	l.Logf(LError, "error: "+format, args...)
}

func (l *Log) Info(args ...interface{})                 { l.Log(LInfo, fmt.Sprint(args...)) }
func (l *Log) Infof(format string, args ...interface{}) { l.Logf(LInfo, format, args...) }

// Printf/Println satisfy foreign logger interfaces (paho mqtt).
func (l *Log) Printf(format string, args ...interface{}) { l.Logf(LInfo, format, args...) }
func (l *Log) Println(args ...interface{})               { l.Log(LInfo, fmt.Sprint(args...)) }

func (l *Log) Debug(args ...interface{}) { l.Log(LDebug, "debug: "+fmt.Sprint(args...)) }
func (l *Log) Debugf(format string, args ...interface{}) {
	l.Logf(LDebug, "debug: "+format, args...)
}

func (l *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if l != nil && l.fatalf != nil {
		l.fatalf(s)
		return
	}
	l.Log(LError, "fatal: "+s)
	os.Exit(1)
}

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l != nil && l.fatalf != nil {
		l.fatalf(format, args...)
		return
	}
	l.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
