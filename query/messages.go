package query

import (
	"net/url"
	"strings"

	"github.com/goliatone/go-workwx/core"
)

const (
	TypeEnsureCredential = "workwx.query.credential.ensure"
	TypeCredentialState  = "workwx.query.credential.state"
	TypeSign             = "workwx.query.signature.sign"
	TypeJSConfig         = "workwx.query.signature.jsconfig"
)

type EnsureCredentialMessage struct {
	Family core.Family
}

func (EnsureCredentialMessage) Type() string { return TypeEnsureCredential }

func (m EnsureCredentialMessage) Validate() error {
	return validateFamily(m.Family)
}

type CredentialStateMessage struct {
	Family core.Family
}

func (CredentialStateMessage) Type() string { return TypeCredentialState }

func (m CredentialStateMessage) Validate() error {
	return validateFamily(m.Family)
}

type SignMessage struct {
	URL string
}

func (SignMessage) Type() string { return TypeSign }

func (m SignMessage) Validate() error {
	return validatePageURL(m.URL)
}

type JSConfigMessage struct {
	Request core.JSConfigRequest
}

func (JSConfigMessage) Type() string { return TypeJSConfig }

func (m JSConfigMessage) Validate() error {
	if err := validatePageURL(m.Request.URL); err != nil {
		return err
	}
	for _, api := range m.Request.APIList {
		if strings.TrimSpace(api) == "" {
			return queryValidationError("api_list", "api names must not be empty")
		}
	}
	return nil
}

func validateFamily(family core.Family) error {
	if err := family.Validate(); err != nil {
		return queryValidationError("family", err.Error())
	}
	return nil
}

func validatePageURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return queryValidationError("url", "page url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return queryValidationError("url", "page url must be absolute")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return queryValidationError("url", "page url scheme must be http or https")
	}
	return nil
}
