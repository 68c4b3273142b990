// Package-level structured logging, backed by logiface over a zerolog
// writer: a single swappable global, safe for concurrent SetLogger/log
// calls, defaulting to a stderr zerolog logger so the runtime is never
// silent out of the box.
package taskrt

import (
	"os"
	"sync"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the logiface logger type used throughout the runtime, bound
// to izerolog's Event implementation.
type Logger = *logiface.Logger[*izerolog.Event]

var globalLogger struct {
	sync.RWMutex
	l Logger
}

func init() {
	globalLogger.l = newDefaultLogger()
}

func newDefaultLogger() Logger {
	return logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()),
		logiface.WithLevel[*izerolog.Event](logiface.LevelInformational),
	)
}

// SetLogger replaces the package-level default logger. NewRuntime reads it
// once, so it applies to Runtimes constructed afterwards without an
// explicit WithLogger option; existing Runtimes keep the logger they
// started with. A nil logger resets to the default stderr
// logiface/zerolog logger.
func SetLogger(l Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	if l == nil {
		l = newDefaultLogger()
	}
	globalLogger.l = l
}

func getLogger() Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.l
}

// logDispatch records a call admission at debug level.
func logDispatch(l Logger, taskName, method string, callID CallID, key string) {
	l.Debug().Str("task", taskName).Str("method", method).Int("call_id", int(callID)).Str("key", key).Log("call admitted")
}

// logSettle records a call's terminal outcome.
func logSettle(l Logger, taskName, method string, callID CallID, err error) {
	if err != nil {
		l.Warning().Str("task", taskName).Str("method", method).Int("call_id", int(callID)).Err(err).Log("call settled with error")
		return
	}
	l.Debug().Str("task", taskName).Str("method", method).Int("call_id", int(callID)).Log("call settled")
}

// logWorkerCrash records a worker transport failure.
func logWorkerCrash(l Logger, taskName string, workerIdx int, err error) {
	l.Err().Str("task", taskName).Int("worker", workerIdx).Err(err).Log("worker crashed")
}

// logWorkerLifecycle records a supervisor state transition.
func logWorkerLifecycle(l Logger, taskName string, workerIdx int, from, to SupervisorState) {
	l.Info().Str("task", taskName).Int("worker", workerIdx).Str("from", from.String()).Str("to", to.String()).Log("worker state transition")
}
