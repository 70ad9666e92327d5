// Package log writes application logs to daily files.
// Logging functions are safe to call before Init(), in which case
// they only print to stdout.
package log

import (
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/oceanlog/telemlog/siser"

	"github.com/toon-format/toon-go"
)

var (
	logFile    *DailyFile
	errorsFile *DailyFile
	eventsFile *DailyFile
	events     *siser.Writer

	// if true, Verbosef() will log messages
	Verbose bool

	// if true, messages are not printed to stdout
	Quiet bool

	onLog func(s string)
)

type Config struct {
	// log, errors and events are written to their own
	// subdirectories of Dir
	Dir string
	// daily files older than MaxDays are removed, 0 keeps them forever
	MaxDays int
	// called for every logged message
	OnLog func(s string)
}

// Init starts writing logs to files in config.Dir
func Init(config *Config) {
	Close()
	dir := config.Dir
	logFile = NewDailyFile(filepath.Join(dir, "log"), config.MaxDays)
	errorsFile = NewDailyFile(filepath.Join(dir, "errors"), config.MaxDays)
	// files are only created on first write so if nothing logs
	// events, there's no events directory
	eventsFile = NewDailyFile(filepath.Join(dir, "events"), config.MaxDays)
	events = siser.NewWriter(eventsFile)
	onLog = config.OnLog
}

func closeDaily(w **DailyFile) {
	if *w == nil {
		return
	}
	(*w).Sync()
	(*w).Close()
	*w = nil
}

// Close flushes and closes log files. Logging after Close only prints
// to stdout.
func Close() {
	closeDaily(&logFile)
	closeDaily(&errorsFile)
	closeDaily(&eventsFile)
	events = nil
	onLog = nil
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	if !Quiet {
		fmt.Print(s)
	}
	logFile.WriteString(s)
	if onLog != nil {
		onLog(s)
	}
}

func Verbosef(format string, args ...any) {
	if Verbose {
		Logf(format, args...)
	}
}

// Warnf logs a message prefixed with "warning: "
func Warnf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	Logf("warning: %s", s)
}

// callstack returns file:line of callers, one per line.
// skip 0 is the caller of callstack
func callstack(skip int) string {
	var pcs [32]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(frame.File + ":" + strconv.Itoa(frame.Line))
	}
	return sb.String()
}

// Errorf logs an error message with a callstack.
// Errors also go to the errors log.
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	s = fmt.Sprintf("error: %s\n%s\n", strings.TrimSuffix(s, "\n"), callstack(1))
	Logf("%s", s)
	errorsFile.WriteString(s)
}

// IfErrf logs err and returns true if it's not nil.
//
//	IfErrf(err) logs err.Error()
//	IfErrf(err, "closing %s", path) logs formatted message
func IfErrf(err error, a ...any) bool {
	if err == nil {
		return false
	}
	if len(a) == 0 {
		Errorf("%s", err)
		return true
	}
	format, ok := a[0].(string)
	if !ok {
		format = fmt.Sprint(a[0])
	}
	Errorf(format, a[1:]...)
	return true
}

// eventKey converts a key of an event key / value pair to string.
// Panics if key is not a simple value.
func eventKey(v any) string {
	switch k := reflect.TypeOf(v).Kind(); k {
	case reflect.Array, reflect.Slice, reflect.Struct, reflect.Map, reflect.Chan, reflect.Interface, reflect.Pointer, reflect.Func:
		panic(fmt.Sprintf("event key '%v' is of kind %v", v, k))
	}
	return fmt.Sprint(v)
}

// eventBody encodes key / value pairs in toon format
func eventBody(vals []any) []byte {
	if len(vals)%2 != 0 {
		panic(fmt.Sprintf("odd number of event values: %d", len(vals)))
	}
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]any, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		m[eventKey(vals[i])] = vals[i+1]
	}
	d, err := toon.Marshal(m)
	if err != nil {
		return []byte(err.Error())
	}
	return d
}

// MarshalEvent returns an event as written to the events log:
// a siser record named name with toon encoded key / value pairs
func MarshalEvent(name string, t time.Time, vals ...any) []byte {
	return siser.MarshalLine(name, t, eventBody(vals), nil)
}

// Event logs an event. vals are key / value pairs.
func Event(name string, vals ...any) {
	d := eventBody(vals)
	if events == nil {
		return
	}
	_, err := events.Write(d, time.Now().UTC(), name)
	if err != nil && !Quiet {
		fmt.Printf("writing event %s failed with '%s'\n", name, err)
	}
}

// EventWithDuration logs an event with dur as durmicro
func EventWithDuration(name string, dur time.Duration, vals ...any) {
	vals = append(vals, "durmicro", dur.Microseconds())
	Event(name, vals...)
}
