// Package klog routes every subsystem's diagnostics through one
// structured sink, instead of ad-hoc fmt.Printf calls scattered across
// the core.
package klog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"oskernel/caller"
)

var (
	once sync.Once
	log  *logrus.Logger
)

/// L returns the kernel-wide logger, initializing it on first use with a
/// text formatter suitable for a serial-console sink.
func L() *logrus.Logger {
	once.Do(func() {
		log = logrus.New()
		log.SetOutput(os.Stderr)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			DisableColors:   true,
			QuoteEmptyFields: true,
		})
		log.SetLevel(logrus.InfoLevel)
	})
	return log
}

/// SetLevel adjusts verbosity, e.g. from a kconfig boot tunable.
func SetLevel(lvl logrus.Level) {
	L().SetLevel(lvl)
}

/// Panic logs msg with a caller-chain dump attached, then panics. Used
/// for fatal conditions: heap corruption, an unregistered exception,
/// stack-canary failure, page-table corruption.
func Panic(msg string, fields logrus.Fields) {
	l := L().WithFields(fields)
	l.Error(msg)
	caller.Callerdump(2)
	panic(msg)
}
