package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/moduly/moduly/cmd/workflow-runner/nodes"
	"github.com/moduly/moduly/common/crypto"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/repository"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ErrNoCredential is returned when no verified credential grants the
// requested model. Resolution is fail-closed: a valid credential for the
// provider is not enough without a verified credential-model row.
var ErrNoCredential = errors.New("no verified credential for model")

// CredentialSource resolves the credential a user may spend on a model.
type CredentialSource interface {
	GetVerifiedForModel(ctx context.Context, userID, modelID string) (*models.Credential, error)
}

// Service runs chat completions on behalf of workflow LLM nodes.
type Service struct {
	credentials CredentialSource
	fernet      *crypto.Fernet
	log         *logger.Logger
	baseURL     string

	// invoke is swappable for tests.
	invoke func(ctx context.Context, apiKey string, req *nodes.CompletionRequest, model string) (*nodes.CompletionResult, error)
}

// Opts configures the LLM service.
type Opts struct {
	Credentials CredentialSource
	Fernet      *crypto.Fernet
	Logger      *logger.Logger
	BaseURL     string
}

// New creates an LLM service.
func New(opts *Opts) *Service {
	s := &Service{
		credentials: opts.Credentials,
		fernet:      opts.Fernet,
		log:         opts.Logger,
		baseURL:     opts.BaseURL,
	}
	s.invoke = s.openaiInvoke
	return s
}

// credentialConfig is the decrypted provider payload.
type credentialConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// Complete implements nodes.Completer. The primary model is tried
// first; provider failures fall back to the configured secondary model,
// each with its own fail-closed credential resolution.
func (s *Service) Complete(ctx context.Context, req *nodes.CompletionRequest) (*nodes.CompletionResult, error) {
	result, primaryErr := s.completeWith(ctx, req, req.Model)
	if primaryErr == nil {
		return result, nil
	}
	if req.FallbackModel == "" || req.FallbackModel == req.Model {
		return nil, primaryErr
	}

	s.log.Warn("primary model failed, trying fallback",
		"model", req.Model, "fallback", req.FallbackModel, "error", primaryErr)

	result, fallbackErr := s.completeWith(ctx, req, req.FallbackModel)
	if fallbackErr != nil {
		return nil, fmt.Errorf("primary %s failed (%v); fallback %s failed: %w",
			req.Model, primaryErr, req.FallbackModel, fallbackErr)
	}
	return result, nil
}

func (s *Service) completeWith(ctx context.Context, req *nodes.CompletionRequest, model string) (*nodes.CompletionResult, error) {
	cred, err := s.credentials.GetVerifiedForModel(ctx, req.UserID, model)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoCredential, model)
		}
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	plaintext, err := s.fernet.DecryptString(cred.EncryptedConfig)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", cred.ID, err)
	}
	var cfg credentialConfig
	if err := json.Unmarshal([]byte(plaintext), &cfg); err != nil {
		return nil, fmt.Errorf("parse credential config: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("credential %s has no api key", cred.ID)
	}

	return s.invoke(ctx, cfg.APIKey, req, model)
}

func (s *Service) openaiInvoke(ctx context.Context, apiKey string, req *nodes.CompletionRequest, model string) (*nodes.CompletionResult, error) {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}
	client := openai.NewClient(clientOpts...)

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("empty completion from model %s", model)
	}

	return &nodes.CompletionResult{
		Text:         completion.Choices[0].Message.Content,
		Model:        model,
		PromptTokens: completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}
