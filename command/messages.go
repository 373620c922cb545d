package command

import (
	"strings"

	"github.com/goliatone/go-workwx/core"
)

const (
	TypeRefreshCredential    = "workwx.command.credential.refresh"
	TypeInvalidateCredential = "workwx.command.credential.invalidate"
	TypeWarmCredentials      = "workwx.command.credential.warm"
	TypeDispatch             = "workwx.command.dispatch"
)

// RefreshCredentialMessage discards the stored credential of Family and
// issues a new one.
type RefreshCredentialMessage struct {
	Family core.Family
}

func (RefreshCredentialMessage) Type() string { return TypeRefreshCredential }

func (m RefreshCredentialMessage) Validate() error {
	return validateFamily(m.Family)
}

// InvalidateCredentialMessage expires the stored credential only while it
// still holds StaleValue.
type InvalidateCredentialMessage struct {
	Family     core.Family
	StaleValue string
}

func (InvalidateCredentialMessage) Type() string { return TypeInvalidateCredential }

func (m InvalidateCredentialMessage) Validate() error {
	if err := validateFamily(m.Family); err != nil {
		return err
	}
	if strings.TrimSpace(m.StaleValue) == "" {
		return commandValidationError("stale_value", "stale value is required")
	}
	return nil
}

type WarmCredentialsMessage struct {
	Request core.WarmRequest
}

func (WarmCredentialsMessage) Type() string { return TypeWarmCredentials }

func (m WarmCredentialsMessage) Validate() error {
	for _, family := range m.Request.Families {
		if err := validateFamily(family); err != nil {
			return err
		}
	}
	if m.Request.MaxAttempts < 0 {
		return commandValidationError("max_attempts", "max attempts must be >= 0")
	}
	return nil
}

type DispatchMessage struct {
	Request core.Request
}

func (DispatchMessage) Type() string { return TypeDispatch }

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.Request.Path) == "" && strings.TrimSpace(m.Request.URL) == "" {
		return commandValidationError("path", "path or url is required")
	}
	if m.Request.Family != "" {
		if err := validateFamily(m.Request.Family); err != nil {
			return err
		}
	}
	return nil
}

func validateFamily(family core.Family) error {
	if err := family.Validate(); err != nil {
		return commandValidationError("family", err.Error())
	}
	return nil
}
