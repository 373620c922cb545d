package workwx

import (
	"fmt"

	workwxcommand "github.com/goliatone/go-workwx/command"
	"github.com/goliatone/go-workwx/core"
	workwxquery "github.com/goliatone/go-workwx/query"
)

type CommandQueryService = core.WorkwxService

type Commands struct {
	RefreshCredential    *workwxcommand.RefreshCredentialCommand
	InvalidateCredential *workwxcommand.InvalidateCredentialCommand
	WarmCredentials      *workwxcommand.WarmCredentialsCommand
	Dispatch             *workwxcommand.DispatchCommand
}

type Queries struct {
	EnsureCredential *workwxquery.EnsureCredentialQuery
	CredentialState  *workwxquery.CredentialStateQuery
	Sign             *workwxquery.SignQuery
	JSConfig         *workwxquery.JSConfigQuery
}

// Facade exposes the go-command handlers bound to one service.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("workwx: command/query service is required")
	}
	return &Facade{
		service: service,
		commands: Commands{
			RefreshCredential:    workwxcommand.NewRefreshCredentialCommand(service),
			InvalidateCredential: workwxcommand.NewInvalidateCredentialCommand(service),
			WarmCredentials:      workwxcommand.NewWarmCredentialsCommand(service),
			Dispatch:             workwxcommand.NewDispatchCommand(service),
		},
		queries: Queries{
			EnsureCredential: workwxquery.NewEnsureCredentialQuery(service),
			CredentialState:  workwxquery.NewCredentialStateQuery(service),
			Sign:             workwxquery.NewSignQuery(service),
			JSConfig:         workwxquery.NewJSConfigQuery(service),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
