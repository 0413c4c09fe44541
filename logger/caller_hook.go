package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// selfPackage is the import path of this package, derived at startup so the
// hook keeps working if the module is renamed.
var selfPackage = reflect.TypeOf(callerHook{}).PkgPath()

// callerHook points entry.Caller at the first frame outside logrus and this
// package, so file:line in the output names the component that logged.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := callerFrame(4); ok {
		entry.Caller = &frame
	}
	return nil
}

func callerFrame(skip int) (runtime.Frame, bool) {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !internalFrame(frame.Function) {
			return frame, frame.Function != ""
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func internalFrame(fn string) bool {
	if strings.Contains(fn, "sirupsen/logrus") {
		return true
	}
	// methods print as pkg.(*T).M and functions as pkg.F
	return strings.HasPrefix(fn, selfPackage+".")
}
