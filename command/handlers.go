package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-workwx/core"
)

type CredentialMutator interface {
	Refresh(ctx context.Context, family core.Family) (core.CredentialRecord, error)
	Invalidate(ctx context.Context, family core.Family, staleValue string) error
}

type CredentialWarmer interface {
	Warm(ctx context.Context, req core.WarmRequest) ([]core.WarmResult, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req core.Request) (core.Response, error)
}

// RefreshCredentialCommand stores a core.CredentialStatus for the fresh
// record; the token itself never reaches the result collector.
type RefreshCredentialCommand struct {
	service CredentialMutator
}

func NewRefreshCredentialCommand(service CredentialMutator) *RefreshCredentialCommand {
	return &RefreshCredentialCommand{service: service}
}

func (c *RefreshCredentialCommand) Execute(ctx context.Context, msg RefreshCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: credential service is required")
	}
	record, err := c.service.Refresh(ctx, msg.Family)
	if err != nil {
		return err
	}
	storeResult(ctx, core.NewCredentialStatus(msg.Family, core.CredentialStateValid, record))
	return nil
}

type InvalidateCredentialCommand struct {
	service CredentialMutator
}

func NewInvalidateCredentialCommand(service CredentialMutator) *InvalidateCredentialCommand {
	return &InvalidateCredentialCommand{service: service}
}

func (c *InvalidateCredentialCommand) Execute(ctx context.Context, msg InvalidateCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: credential service is required")
	}
	return c.service.Invalidate(ctx, msg.Family, msg.StaleValue)
}

type WarmCredentialsCommand struct {
	warmer CredentialWarmer
}

func NewWarmCredentialsCommand(warmer CredentialWarmer) *WarmCredentialsCommand {
	return &WarmCredentialsCommand{warmer: warmer}
}

func (c *WarmCredentialsCommand) Execute(ctx context.Context, msg WarmCredentialsMessage) error {
	if c == nil || c.warmer == nil {
		return commandDependencyError("command: credential warmer is required")
	}
	out, err := c.warmer.Warm(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DispatchCommand struct {
	dispatcher Dispatcher
}

func NewDispatchCommand(dispatcher Dispatcher) *DispatchCommand {
	return &DispatchCommand{dispatcher: dispatcher}
}

func (c *DispatchCommand) Execute(ctx context.Context, msg DispatchMessage) error {
	if c == nil || c.dispatcher == nil {
		return commandDependencyError("command: dispatcher is required")
	}
	out, err := c.dispatcher.Dispatch(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
