package adapters_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-workwx/adapters/gocommand"
	"github.com/goliatone/go-workwx/adapters/gojob"
	"github.com/goliatone/go-workwx/adapters/gologger"
	workwxcommand "github.com/goliatone/go-workwx/command"
	"github.com/goliatone/go-workwx/core"
	workwxquery "github.com/goliatone/go-workwx/query"
)

func newCompatService(t *testing.T) (*core.Service, *compatIssuer) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.CorpID = "ww_corp"
	cfg.CorpSecret = "corp-secret"

	issuer := &compatIssuer{}
	svc, err := core.NewService(cfg,
		core.WithTransport(compatTransport{}),
		core.WithCredentialIssuer(core.FamilyAccess, issuer),
		core.WithCredentialIssuer(core.FamilyTicket, issuer),
		core.WithLoggerProvider(&compatProvider{logger: compatLogger{}}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, issuer
}

func TestRuntimeCompatibility_GoCommandBindingsReachService(t *testing.T) {
	ctx := context.Background()
	svc, issuer := newCompatService(t)

	queueRegistry := jobqueuecommand.NewRegistry()
	commandAdapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	if err := commandAdapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	bindings, err := gocommand.Bind(commandAdapter, svc)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(bindings.Close)
	if err := commandAdapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}
	if _, ok := queueRegistry.Get(workwxcommand.TypeWarmCredentials); !ok {
		t.Fatalf("expected warm command mirrored into go-job queue registry")
	}

	collector := command.NewResult[[]core.WarmResult]()
	warmCtx := command.ContextWithResult(ctx, collector)
	if err := gocommand.Execute(warmCtx, workwxcommand.WarmCredentialsMessage{Request: core.WarmRequest{
		Families: []core.Family{core.FamilyAccess, core.FamilyTicket},
	}}); err != nil {
		t.Fatalf("execute warm: %v", err)
	}
	results, ok := collector.Load()
	if !ok || len(results) != 2 {
		t.Fatalf("expected two warm results, got %#v", results)
	}

	record, err := gocommand.Ask[workwxquery.EnsureCredentialMessage, core.CredentialRecord](ctx, workwxquery.EnsureCredentialMessage{Family: core.FamilyAccess})
	if err != nil {
		t.Fatalf("ask ensure: %v", err)
	}
	if record.Value != "access-1" {
		t.Fatalf("expected warmed access credential, got %q", record.Value)
	}

	cfg, err := gocommand.Ask[workwxquery.JSConfigMessage, core.JSConfig](ctx, workwxquery.JSConfigMessage{Request: core.JSConfigRequest{
		URL:     "https://app.example.com/page#frag",
		APIList: []string{"scanQRCode"},
	}})
	if err != nil {
		t.Fatalf("ask js config: %v", err)
	}
	if cfg.AppID != "ww_corp" || cfg.Signature == "" {
		t.Fatalf("unexpected js config %#v", cfg)
	}
	if issuer.count(core.FamilyAccess) != 1 || issuer.count(core.FamilyTicket) != 1 {
		t.Fatalf("expected one issuance per family, got %#v", issuer.calls)
	}
}

func TestRuntimeCompatibility_GoJobWarmWorker(t *testing.T) {
	ctx := context.Background()
	svc, issuer := newCompatService(t)

	_, _, jobProvider, jobLogger := gologger.ResolveForJob("warm", &compatProvider{logger: compatLogger{}}, nil)
	if jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	probe := &compatQueue{}
	if err := gojob.NewEnqueuerAdapter(probe).EnqueueWarm(ctx, core.FamilyTicket); err != nil {
		t.Fatalf("enqueue warm: %v", err)
	}
	worker, err := gojob.NewWarmWorker(gojob.NewDequeuerAdapter(probe, gojob.RetryPolicy{MaxAttempts: 3}), svc.Warmer())
	if err != nil {
		t.Fatalf("new warm worker: %v", err)
	}
	if err := worker.ProcessNext(ctx); err != nil {
		t.Fatalf("process warm job: %v", err)
	}
	if !probe.delivery.acked {
		t.Fatalf("expected warm job to be acked")
	}
	state, _, err := svc.CredentialState(ctx, core.FamilyTicket)
	if err != nil {
		t.Fatalf("credential state: %v", err)
	}
	if state != core.CredentialStateValid || issuer.count(core.FamilyTicket) != 1 {
		t.Fatalf("expected ticket warmed once, state=%q calls=%#v", state, issuer.calls)
	}
}

type compatIssuer struct {
	mu    sync.Mutex
	calls map[core.Family]int
}

func (i *compatIssuer) Issue(_ context.Context, key core.CredentialKey) (core.IssuedCredential, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.calls == nil {
		i.calls = map[core.Family]int{}
	}
	i.calls[key.Family]++
	return core.IssuedCredential{Value: string(key.Family) + "-1", TTL: 2 * time.Hour}, nil
}

func (i *compatIssuer) count(family core.Family) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[family]
}

type compatTransport struct{}

func (compatTransport) Send(context.Context, core.TransportRequest) (core.TransportResponse, error) {
	return core.TransportResponse{StatusCode: 200, Body: []byte(`{"errcode":0,"errmsg":"ok"}`)}, nil
}

type compatQueue struct {
	delivery *compatDelivery
}

func (q *compatQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.delivery = &compatDelivery{msg: msg}
	return nil
}

func (q *compatQueue) Dequeue(context.Context) (queue.Delivery, error) {
	return q.delivery, nil
}

type compatDelivery struct {
	msg   *job.ExecutionMessage
	acked bool
}

func (d *compatDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *compatDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *compatDelivery) Nack(context.Context, queue.NackOptions) error {
	return nil
}

type compatProvider struct {
	logger glog.Logger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type compatLogger struct{}

func (compatLogger) Trace(string, ...any)                    {}
func (compatLogger) Debug(string, ...any)                    {}
func (compatLogger) Info(string, ...any)                     {}
func (compatLogger) Warn(string, ...any)                     {}
func (compatLogger) Error(string, ...any)                    {}
func (compatLogger) Fatal(string, ...any)                    {}
func (compatLogger) WithContext(context.Context) glog.Logger { return compatLogger{} }
