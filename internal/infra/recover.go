package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f and restarts it in a new goroutine after a panic.
// A negative maxPanics restarts forever, zero exits the process.
func GoRecoverable(maxPanics int, id string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			entry := log.WithField("job", id)
			entry.Errorf("panic: %v, %s", r, identifyPanic(3))
			switch {
			case maxPanics == 0:
				entry.Fatal("panics limit exceeded, exiting")
			case maxPanics > 0:
				maxPanics--
				entry.WithField("panics_left", maxPanics).Debug("recovering job")
			default:
				entry.Debug("recovering job")
			}
			go GoRecoverable(maxPanics, id, f)
		}
	}()
	f()
}

// PanicError turns a recovered value into an error naming the panicking frame.
// It must be called directly from the deferred function that recovered.
func PanicError(id string, r any) error {
	return fmt.Errorf("%s panicked: %v at %s", id, r, identifyPanic(4))
}

func identifyPanic(skip int) string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(skip, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}

	return fmt.Sprintf("pc:%x", pc)
}
