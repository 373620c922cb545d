package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ CredentialStore    = (*MemoryCredentialStore)(nil)
	_ CredentialProvider = (*CredentialManager)(nil)
	_ Dispatcher         = (*RequestDispatcher)(nil)
	_ WorkwxService      = (*Service)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
