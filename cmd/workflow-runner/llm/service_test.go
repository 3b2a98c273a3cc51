package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/workflow-runner/nodes"
	"github.com/moduly/moduly/common/crypto"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredentials struct {
	byModel map[string]*models.Credential
}

func (f *fakeCredentials) GetVerifiedForModel(_ context.Context, _, modelID string) (*models.Credential, error) {
	cred, ok := f.byModel[modelID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cred, nil
}

func testFernet(t *testing.T) *crypto.Fernet {
	t.Helper()
	key := base64.URLEncoding.EncodeToString(make([]byte, 32))
	f, err := crypto.NewFernet(key)
	require.NoError(t, err)
	return f
}

func encryptedConfig(t *testing.T, f *crypto.Fernet, apiKey string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"api_key": apiKey})
	require.NoError(t, err)
	token, err := f.Encrypt(payload)
	require.NoError(t, err)
	return token
}

func testService(t *testing.T, creds *fakeCredentials) (*Service, *crypto.Fernet) {
	f := testFernet(t)
	svc := New(&Opts{
		Credentials: creds,
		Fernet:      f,
		Logger:      logger.New("error", "text"),
	})
	return svc, f
}

func TestCompleteFailsClosedWithoutVerifiedCredential(t *testing.T) {
	svc, _ := testService(t, &fakeCredentials{byModel: map[string]*models.Credential{}})

	_, err := svc.Complete(context.Background(), &nodes.CompletionRequest{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: "hi",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestCompleteDecryptsKeyAndInvokes(t *testing.T) {
	creds := &fakeCredentials{byModel: map[string]*models.Credential{}}
	svc, f := testService(t, creds)
	creds.byModel["gpt-4o"] = &models.Credential{
		ID:              uuid.New(),
		UserID:          "user-1",
		Provider:        "openai",
		EncryptedConfig: encryptedConfig(t, f, "sk-test"),
		IsValid:         true,
	}

	var seenKey, seenModel string
	svc.invoke = func(_ context.Context, apiKey string, _ *nodes.CompletionRequest, model string) (*nodes.CompletionResult, error) {
		seenKey, seenModel = apiKey, model
		return &nodes.CompletionResult{Text: "ok", Model: model}, nil
	}

	result, err := svc.Complete(context.Background(), &nodes.CompletionRequest{
		UserID: "user-1",
		Model:  "gpt-4o",
		Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, "sk-test", seenKey)
	assert.Equal(t, "gpt-4o", seenModel)
}

func TestCompleteFallsBackOnProviderError(t *testing.T) {
	creds := &fakeCredentials{byModel: map[string]*models.Credential{}}
	svc, f := testService(t, creds)
	for _, model := range []string{"gpt-4o", "gpt-4o-mini"} {
		creds.byModel[model] = &models.Credential{
			ID:              uuid.New(),
			UserID:          "user-1",
			Provider:        "openai",
			EncryptedConfig: encryptedConfig(t, f, "sk-"+model),
			IsValid:         true,
		}
	}

	svc.invoke = func(_ context.Context, _ string, _ *nodes.CompletionRequest, model string) (*nodes.CompletionResult, error) {
		if model == "gpt-4o" {
			return nil, errors.New("rate limited")
		}
		return &nodes.CompletionResult{Text: "fallback answer", Model: model}, nil
	}

	result, err := svc.Complete(context.Background(), &nodes.CompletionRequest{
		UserID:        "user-1",
		Model:         "gpt-4o",
		FallbackModel: "gpt-4o-mini",
		Prompt:        "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Equal(t, "fallback answer", result.Text)
}

func TestCompleteFallbackNeedsItsOwnCredential(t *testing.T) {
	creds := &fakeCredentials{byModel: map[string]*models.Credential{}}
	svc, f := testService(t, creds)
	creds.byModel["gpt-4o"] = &models.Credential{
		ID:              uuid.New(),
		UserID:          "user-1",
		Provider:        "openai",
		EncryptedConfig: encryptedConfig(t, f, "sk-test"),
		IsValid:         true,
	}

	svc.invoke = func(_ context.Context, _ string, _ *nodes.CompletionRequest, _ string) (*nodes.CompletionResult, error) {
		return nil, errors.New("provider down")
	}

	_, err := svc.Complete(context.Background(), &nodes.CompletionRequest{
		UserID:        "user-1",
		Model:         "gpt-4o",
		FallbackModel: "gpt-4o-mini",
		Prompt:        "hi",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCredential)
}
