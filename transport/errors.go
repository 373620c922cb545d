package transport

import (
	"net/http"
	"net/url"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-workwx/core"
)

type stage string

const (
	stageConfigure stage = "configure"
	stageBuild     stage = "build"
	stageExecute   stage = "execute"
	stageRead      stage = "read"
)

// failure builds the go-errors envelope for one send stage. Configure and
// build failures are caller mistakes; execute and read failures are upstream.
func failure(at stage, source error, message string, metadata map[string]any) error {
	category, code, textCode := goerrors.CategoryExternal, http.StatusBadGateway, core.ErrorTransportFailed
	switch at {
	case stageConfigure:
		category, code, textCode = goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal
	case stageBuild:
		category, code, textCode = goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput
	}

	fields := map[string]any{"adapter": KindREST, "stage": string(at)}
	for key, value := range metadata {
		fields[key] = value
	}

	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, category)
	} else {
		err = goerrors.Wrap(source, category, message)
	}
	return err.WithCode(code).WithTextCode(textCode).WithMetadata(fields)
}

// redactURL masks credential query parameters so a failing call can be
// reported without leaking the token it carried.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	masked := *u
	query := masked.Query()
	for key := range query {
		if core.IsCredentialQueryParam(key) {
			query.Set(key, core.RedactedValue)
		}
	}
	masked.RawQuery = query.Encode()
	return masked.String()
}
