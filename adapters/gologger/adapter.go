package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultName = "workwx"

// Resolve uses deterministic precedence provider > logger > nop. Names are
// scoped under DefaultName, so "warm" resolves the "workwx.warm" logger.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(ScopedName(name), provider, logger)
}

func ScopedName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), ".")
	switch {
	case name == "" || name == DefaultName:
		return DefaultName
	case strings.HasPrefix(name, DefaultName+"."):
		return name
	default:
		return DefaultName + "." + name
	}
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the glog pair and returns the equivalent go-job
// adapters for queue workers.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
