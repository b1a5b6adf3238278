package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/queuescope/queuescope/model"
)

// placeholderPattern matches {{field}} with optional dotted paths. Plain
// substitution only, no expression evaluation.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// NotifyHandler posts a rendered message to a webhook endpoint. The target
// URL comes from the action params, falling back to the configured default.
type NotifyHandler struct {
	client     *http.Client
	defaultURL string
}

// NewNotifyHandler creates a notification handler. client must carry its
// own timeout.
func NewNotifyHandler(client *http.Client, defaultURL string) *NotifyHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &NotifyHandler{client: client, defaultURL: defaultURL}
}

// Type implements Handler.
func (h *NotifyHandler) Type() string { return "notify" }

// ValidateParams implements Handler.
func (h *NotifyHandler) ValidateParams(params map[string]any) error {
	if _, ok := params["message"].(string); !ok {
		return fmt.Errorf("message is required and must be a string")
	}
	if url, ok := params["url"]; ok {
		if _, isString := url.(string); !isString {
			return fmt.Errorf("url must be a string")
		}
	} else if h.defaultURL == "" {
		return fmt.Errorf("no url param and no default webhook configured")
	}
	return nil
}

// Execute renders the message against the event context and posts it. Any
// non-2xx response is a failed result.
func (h *NotifyHandler) Execute(ctx context.Context, params map[string]any, fields map[string]any) model.ActionResult {
	message := RenderTemplate(params["message"].(string), fields)
	url := h.defaultURL
	if u, ok := params["url"].(string); ok && u != "" {
		url = u
	}

	body, err := json.Marshal(map[string]any{"message": message})
	if err != nil {
		return failedResult(h.Type(), fmt.Sprintf("marshal payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failedResult(h.Type(), fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return failedResult(h.Type(), fmt.Sprintf("post notification: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failedResult(h.Type(), fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
	return model.ActionResult{
		Type:   h.Type(),
		Status: model.ActionStatusSuccess,
		Result: map[string]any{
			"message":     message,
			"status_code": resp.StatusCode,
		},
	}
}

// RenderTemplate substitutes {{field}} placeholders from the event
// context. A placeholder whose field is absent is left as-is so broken
// templates stay visible in the delivered message.
func RenderTemplate(template string, fields map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := model.LookupField(fields, name)
		if !ok || v == nil {
			return match
		}
		if s, isString := v.(string); isString {
			return s
		}
		return fmt.Sprint(v)
	})
}

func failedResult(actionType, msg string) model.ActionResult {
	return model.ActionResult{Type: actionType, Status: model.ActionStatusFailed, Error: msg}
}
