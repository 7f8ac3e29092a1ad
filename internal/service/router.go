package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/windfall/kaiwa/internal/client"
	"github.com/windfall/kaiwa/internal/errors"
)

// ChatModel is anything that can run a chat completion.
type ChatModel interface {
	Complete(ctx context.Context, req client.Completion) (string, error)
}

// ModelRouter sends a completion to a provider chosen by the model name:
// "gemini-*" to Gemini, "gpt-*" and "o<digit>*" to OpenAI, "azure/<name>" to
// the Azure OpenAI deployment and anything else to Groq.
type ModelRouter struct {
	Groq   ChatModel
	OpenAI ChatModel
	Gemini ChatModel
	Azure  ChatModel
}

// Complete implements ChatModel.
func (r *ModelRouter) Complete(ctx context.Context, req client.Completion) (string, error) {
	provider, model, backend := r.route(req.Model)
	if isNil(backend) {
		return "", errors.New(errors.ErrAIService,
			fmt.Sprintf("no %s provider configured for model %q", provider, req.Model))
	}
	req.Model = model
	return backend.Complete(ctx, req)
}

func (r *ModelRouter) route(model string) (string, string, ChatModel) {
	switch {
	case strings.HasPrefix(model, "azure/"):
		return "azure", strings.TrimPrefix(model, "azure/"), r.Azure
	case strings.HasPrefix(model, "gemini"):
		return "gemini", model, r.Gemini
	case strings.HasPrefix(model, "gpt"), isOpenAIReasoning(model):
		return "openai", model, r.OpenAI
	default:
		return "groq", model, r.Groq
	}
}

func isOpenAIReasoning(model string) bool {
	return len(model) > 1 && model[0] == 'o' && model[1] >= '0' && model[1] <= '9'
}

// isNil catches typed nil pointers stored in the interface fields.
func isNil(m ChatModel) bool {
	if m == nil {
		return true
	}
	switch v := m.(type) {
	case *client.OpenAIClient:
		return v == nil
	case *client.GeminiClient:
		return v == nil
	case *client.AzureChatClient:
		return v == nil
	}
	return false
}
