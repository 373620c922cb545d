package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// CredentialStore holds at most one record per credential key. Get returns
// false when the slot is empty. Implementations shared across processes must
// make Get and Save atomic from the caller's perspective.
type CredentialStore interface {
	Get(ctx context.Context, key CredentialKey) (CredentialRecord, bool, error)
	Save(ctx context.Context, key CredentialKey, record CredentialRecord) error
}

// ConditionalExpirer is implemented by stores that can expire a slot only
// while it still holds staleValue, as one atomic step against the shared
// record. An empty staleValue expires whatever is stored. The boolean reports
// whether a record was expired.
type ConditionalExpirer interface {
	ExpireIfValue(ctx context.Context, key CredentialKey, staleValue string) (bool, error)
}

// SourceReader is implemented by stores that keep a local copy in front of
// the shared record. GetSource always reads the shared record.
type SourceReader interface {
	GetSource(ctx context.Context, key CredentialKey) (CredentialRecord, bool, error)
}

// Issuer calls the remote issuance endpoint of one credential family.
type Issuer interface {
	Issue(ctx context.Context, key CredentialKey) (IssuedCredential, error)
}

// IssuerFunc adapts a function to the Issuer contract.
type IssuerFunc func(ctx context.Context, key CredentialKey) (IssuedCredential, error)

func (f IssuerFunc) Issue(ctx context.Context, key CredentialKey) (IssuedCredential, error) {
	return f(ctx, key)
}

// Transport sends one fully built request.
type Transport interface {
	Send(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

// CredentialProvider is the view of the credential manager other components
// depend on.
type CredentialProvider interface {
	Ensure(ctx context.Context, family Family) (CredentialRecord, error)
	Invalidate(ctx context.Context, family Family, staleValue string) error
}

// Dispatcher is the credentialed call surface resource wrappers depend on.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Response, error)
}

// SuiteTicketSource supplies the latest suite ticket pushed to the callback url.
type SuiteTicketSource interface {
	SuiteTicket(ctx context.Context, suiteID string) (string, error)
}

// SecretProvider encrypts token values at rest.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// RateLimitKey identifies a throttling bucket.
type RateLimitKey struct {
	Tenant    string
	BucketKey string
}

// RateLimitPolicy is consulted around every dispatched call.
type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ResponseMeta) error
}

// ResponseMeta is the part of a response a rate limit policy inspects.
type ResponseMeta struct {
	StatusCode int
	Remote     RemoteError
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
	ObservedAt time.Time
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

// WorkwxService is the surface commands, queries and resource wrappers use.
type WorkwxService interface {
	Ensure(ctx context.Context, family Family) (CredentialRecord, error)
	Refresh(ctx context.Context, family Family) (CredentialRecord, error)
	Invalidate(ctx context.Context, family Family, staleValue string) error
	CredentialState(ctx context.Context, family Family) (CredentialState, CredentialRecord, error)
	Warm(ctx context.Context, req WarmRequest) ([]WarmResult, error)
	Dispatch(ctx context.Context, req Request) (Response, error)
	Sign(ctx context.Context, pageURL string) (Signature, error)
	JSConfig(ctx context.Context, req JSConfigRequest) (JSConfig, error)
}
