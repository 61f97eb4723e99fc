package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skipped holds function-name fragments of frames that are never the real
// call site: logrus itself and the wrappers in this package.
var skipped = []string{"sirupsen/logrus", "l2flow/logger."}

// callerHook points entry.Caller at the first frame outside logrus and the
// Entry wrappers, so "file" reports processor/book.go rather than logger.go.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isSkipped(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isSkipped(fn string) bool {
	for _, s := range skipped {
		if strings.Contains(fn, s) {
			return true
		}
	}
	return false
}
