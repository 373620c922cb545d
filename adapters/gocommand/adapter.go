package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	workwxcommand "github.com/goliatone/go-workwx/command"
	"github.com/goliatone/go-workwx/core"
	workwxquery "github.com/goliatone/go-workwx/query"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so they can be enqueued by message type.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// Bindings holds the subscriptions created by Bind. Close releases them.
type Bindings struct {
	subscriptions []commanddispatcher.Subscription
}

func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.subscriptions)
}

func (b *Bindings) Close() {
	if b == nil {
		return
	}
	for _, subscription := range b.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

// Bind registers every workwx command and query against service and
// subscribes them on the go-command dispatcher.
func Bind(adapter *RegistryAdapter, service core.WorkwxService, runnerOpts ...runner.Option) (*Bindings, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if service == nil {
		return nil, fmt.Errorf("gocommand: workwx service is required")
	}

	bindings := &Bindings{}
	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) {
			return registerCommand(adapter, workwxcommand.NewRefreshCredentialCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return registerCommand(adapter, workwxcommand.NewInvalidateCredentialCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return registerCommand(adapter, workwxcommand.NewWarmCredentialsCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return registerCommand(adapter, workwxcommand.NewDispatchCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return registerQuery(adapter, workwxquery.NewEnsureCredentialQuery(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return registerQuery(adapter, workwxquery.NewCredentialStateQuery(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return registerQuery(adapter, workwxquery.NewSignQuery(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return registerQuery(adapter, workwxquery.NewJSConfigQuery(service), runnerOpts...)
		},
	}
	for _, step := range steps {
		subscription, err := step()
		if err != nil {
			bindings.Close()
			return nil, err
		}
		bindings.subscriptions = append(bindings.subscriptions, subscription)
	}
	return bindings, nil
}

// Execute validates msg and dispatches it. The result collector, when
// present on ctx, receives the handler output.
func Execute[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// Ask validates msg and runs the subscribed query.
func Ask[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

func registerCommand[T any](adapter *RegistryAdapter, cmd command.Commander[T], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		subscription.Unsubscribe()
		return nil, err
	}
	return subscription, nil
}

func registerQuery[T any, R any](adapter *RegistryAdapter, qry command.Querier[T, R], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		subscription.Unsubscribe()
		return nil, err
	}
	return subscription, nil
}
