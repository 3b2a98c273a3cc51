package nodes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/workflow-runner/engine"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
)

// SandboxExecutor submits user code to the sandbox service.
type SandboxExecutor interface {
	Execute(ctx context.Context, req *SandboxRequest) (*SandboxResult, error)
}

// SandboxRequest mirrors the sandbox execute contract.
type SandboxRequest struct {
	Code          string                 `json:"code"`
	Inputs        map[string]interface{} `json:"inputs"`
	Timeout       float64                `json:"timeout,omitempty"`
	Priority      *int                   `json:"priority,omitempty"`
	EnableNetwork bool                   `json:"enable_network,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
}

// SandboxResult is the sandbox execute response.
type SandboxResult struct {
	Success         bool                   `json:"success"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ErrorType       string                 `json:"error_type,omitempty"`
	ExecutionTimeMS float64                `json:"execution_time_ms"`
	MemoryUsedMB    float64                `json:"memory_used_mb"`
}

// Searcher runs hybrid retrieval against a knowledge base.
type Searcher interface {
	Search(ctx context.Context, req *SearchRequest) ([]models.SearchResult, error)
}

// SearchRequest mirrors the retrieval search contract.
type SearchRequest struct {
	KBID       uuid.UUID `json:"kb_id"`
	Query      string    `json:"query"`
	TopK       int       `json:"top_k,omitempty"`
	SearchMode string    `json:"search_mode,omitempty"`
	Rerank     bool      `json:"rerank,omitempty"`
}

// Completer resolves a user's credential for a model and runs a chat
// completion, falling back to a secondary model on provider failure.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}

// CompletionRequest is one LLM invocation.
type CompletionRequest struct {
	UserID        string
	Model         string
	FallbackModel string
	System        string
	Prompt        string
	Temperature   float64
}

// CompletionResult carries the completion text and usage.
type CompletionResult struct {
	Text         string
	Model        string
	PromptTokens int64
	OutputTokens int64
}

// DeploymentLoader fetches frozen graph snapshots for sub-workflows.
type DeploymentLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
}

// Deps wires external collaborators into the node runners.
type Deps struct {
	Logger      *logger.Logger
	HTTPClient  *http.Client
	Sandbox     SandboxExecutor
	Retrieval   Searcher
	LLM         Completer
	Deployments DeploymentLoader
}

// Registry maps node type strings to runners.
type Registry struct {
	runners map[string]engine.Runner
}

// NewRegistry builds the registry with every built-in node type wired.
func NewRegistry(deps *Deps) *Registry {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	r := &Registry{runners: make(map[string]engine.Runner)}
	passthrough := &PassthroughRunner{}
	r.Register(models.NodeTypeStart, passthrough)
	r.Register(models.NodeTypeWebhookTrigger, passthrough)
	r.Register(models.NodeTypeScheduleTrigger, passthrough)
	r.Register(models.NodeTypeAnswer, &AnswerRunner{})
	r.Register(models.NodeTypeTemplate, &TemplateRunner{})
	r.Register(models.NodeTypeCondition, NewConditionRunner())
	r.Register(models.NodeTypeHTTP, &HTTPRunner{Client: httpClient, Validator: NewURLValidator()})
	r.Register(models.NodeTypeLLM, &LLMRunner{Service: deps.LLM})
	r.Register(models.NodeTypeCode, &CodeRunner{Sandbox: deps.Sandbox})
	r.Register(models.NodeTypeKnowledge, &KnowledgeRunner{Retrieval: deps.Retrieval})
	r.Register(models.NodeTypeLoop, &LoopRunner{})
	r.Register(models.NodeTypeWorkflow, &WorkflowRunner{Deployments: deps.Deployments})
	return r
}

// Register installs a runner for a node type, replacing any existing one.
func (r *Registry) Register(nodeType string, runner engine.Runner) {
	r.runners[nodeType] = runner
}

// Resolve implements engine.Registry.
func (r *Registry) Resolve(nodeType string) (engine.Runner, error) {
	runner, ok := r.runners[nodeType]
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	return runner, nil
}
