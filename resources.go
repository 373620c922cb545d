package workwx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-workwx/core"
)

// CallbackIPs is the answer of getcallbackip.
type CallbackIPs struct {
	IPList []string `json:"ip_list"`
}

// GetCallbackIP lists the addresses the remote uses for callbacks. The
// access credential travels as a query parameter.
func GetCallbackIP(ctx context.Context, dispatcher core.Dispatcher) (CallbackIPs, error) {
	if dispatcher == nil {
		return CallbackIPs{}, fmt.Errorf("workwx: dispatcher is required")
	}
	response, err := dispatcher.Dispatch(ctx, core.Request{
		Method:    http.MethodGet,
		Path:      "getcallbackip",
		Family:    core.FamilyAccess,
		Placement: core.PlacementQuery,
	})
	if err != nil {
		return CallbackIPs{}, err
	}
	var out CallbackIPs
	if err := json.Unmarshal(response.Body, &out); err != nil {
		return CallbackIPs{}, fmt.Errorf("workwx: decode getcallbackip response: %w", err)
	}
	return out, nil
}

// Media is a downloaded temporary media file.
type Media struct {
	ContentType string
	Filename    string
	Data        []byte
}

// GetMedia downloads a temporary media file. The call uses the binary
// response kind and its longer timeout.
func GetMedia(ctx context.Context, dispatcher core.Dispatcher, mediaID string) (Media, error) {
	if dispatcher == nil {
		return Media{}, fmt.Errorf("workwx: dispatcher is required")
	}
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return Media{}, fmt.Errorf("workwx: media id is required")
	}
	response, err := dispatcher.Dispatch(ctx, core.Request{
		Method:       http.MethodGet,
		Path:         "media/get",
		Query:        map[string]string{"media_id": mediaID},
		Family:       core.FamilyAccess,
		Placement:    core.PlacementQuery,
		ResponseKind: core.ResponseKindBinary,
	})
	if err != nil {
		return Media{}, err
	}
	return Media{
		ContentType: response.ContentType,
		Filename:    filenameFromDisposition(lookupHeader(response.Headers, "Content-Disposition")),
		Data:        response.Body,
	}, nil
}

func filenameFromDisposition(header string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "filename") {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}

func lookupHeader(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}
