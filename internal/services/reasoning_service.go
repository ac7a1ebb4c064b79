package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// ReasoningService talks to the backend collaborator that performs intent
// classification, schema lookup, requirement structuring and product
// analysis. Classification and agent-response generation never fail: both
// degrade to a documented default so the conversation can always continue.
type ReasoningService struct {
	baseURL    string
	httpClient *http.Client
	config     config.ReasoningConfig
	logger     *logger.Logger
	breaker    *gobreaker.CircuitBreaker
}

type IntentClassificationResult struct {
	Intent         models.Intent `json:"intent"`
	NextStep       string        `json:"next_step,omitempty"`
	ResumeWorkflow bool          `json:"resume_workflow"`
}

type AgentResponseResult struct {
	Content          string `json:"content"`
	NextStep         string `json:"next_step,omitempty"`
	MaintainWorkflow bool   `json:"maintain_workflow,omitempty"`
}

// FallbackAgentContent is returned whenever response generation cannot reach
// the backend. It must always be non-empty so the chat can render something.
const FallbackAgentContent = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

func NewReasoningService(cfg config.ReasoningConfig, log *logger.Logger) *ReasoningService {
	service := &ReasoningService{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: log,
	}

	service.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "reasoning-conversational",
		Timeout: cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("reasoning breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	log.Info("Reasoning service initialized",
		"base_url", cfg.BaseURL,
		"timeout", cfg.Timeout.String(),
		"max_retries", cfg.MaxRetries)

	return service
}

// ClassifyIntent routes free text to an intent and a suggested next step.
// It never returns an error: any failure degrades to the "other" intent with
// no step suggestion so the caller stays put.
func (service *ReasoningService) ClassifyIntent(ctx context.Context, text string, currentStep models.WorkflowStep) *IntentClassificationResult {
	startTime := time.Now()

	reqBody := map[string]interface{}{
		"message":      text,
		"current_step": string(currentStep),
	}

	result, err := service.breaker.Execute(func() (interface{}, error) {
		var parsed IntentClassificationResult
		if err := service.postJSON(ctx, "/v1/intent/classify", reqBody, &parsed); err != nil {
			return nil, err
		}
		return &parsed, nil
	})

	if err != nil {
		service.logger.LogService("reasoning", "classify_intent", time.Since(startTime), map[string]interface{}{
			"current_step": string(currentStep),
			"degraded":     true,
		}, err)
		return &IntentClassificationResult{Intent: models.IntentOther}
	}

	classification := result.(*IntentClassificationResult)
	if classification.Intent == "" {
		classification.Intent = models.IntentOther
	}

	service.logger.LogService("reasoning", "classify_intent", time.Since(startTime), map[string]interface{}{
		"intent":    string(classification.Intent),
		"next_step": classification.NextStep,
	}, nil)

	return classification
}

// GenerateAgentResponse produces display text for the given step and user
// message. It never returns an error; on failure the fixed apology content is
// returned with no step suggestion.
func (service *ReasoningService) GenerateAgentResponse(ctx context.Context, step models.WorkflowStep, dataContext map[string]interface{}, userMessage string, intent models.Intent) *AgentResponseResult {
	startTime := time.Now()

	reqBody := map[string]interface{}{
		"step":    string(step),
		"context": dataContext,
		"message": userMessage,
	}
	if intent != "" {
		reqBody["intent"] = string(intent)
	}

	result, err := service.breaker.Execute(func() (interface{}, error) {
		var parsed AgentResponseResult
		if err := service.postJSON(ctx, "/v1/agent/respond", reqBody, &parsed); err != nil {
			return nil, err
		}
		if parsed.Content == "" {
			return nil, fmt.Errorf("empty agent response content")
		}
		return &parsed, nil
	})

	if err != nil {
		service.logger.LogService("reasoning", "generate_agent_response", time.Since(startTime), map[string]interface{}{
			"step":     string(step),
			"degraded": true,
		}, err)
		return &AgentResponseResult{Content: FallbackAgentContent}
	}

	response := result.(*AgentResponseResult)

	service.logger.LogService("reasoning", "generate_agent_response", time.Since(startTime), map[string]interface{}{
		"step":           string(step),
		"content_length": len(response.Content),
		"next_step":      response.NextStep,
	}, nil)

	return response
}

// ValidateRequirements submits free text for structured extraction against an
// optionally known product type.
func (service *ReasoningService) ValidateRequirements(ctx context.Context, text, knownProductType string) (*models.ValidationResult, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{
		"message": text,
	}
	if knownProductType != "" {
		reqBody["product_type"] = knownProductType
	}

	var result models.ValidationResult
	if err := service.callWithRetry(ctx, "validate_requirements", "/v1/requirements/validate", reqBody, &result); err != nil {
		return nil, err
	}

	service.logger.LogService("reasoning", "validate_requirements", time.Since(startTime), map[string]interface{}{
		"product_type":    result.ProductType,
		"extracted_count": len(result.ExtractedData),
		"has_alert":       result.ValidationAlert != "",
	}, nil)

	return &result, nil
}

func (service *ReasoningService) FetchRequirementSchema(ctx context.Context, productType string) (*models.RequirementSchema, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{"product_type": productType}

	var schema models.RequirementSchema
	if err := service.callWithRetry(ctx, "fetch_schema", "/v1/requirements/schema", reqBody, &schema); err != nil {
		return nil, err
	}

	if schema.ProductType == "" {
		schema.ProductType = productType
	}

	service.logger.LogService("reasoning", "fetch_schema", time.Since(startTime), map[string]interface{}{
		"product_type":    productType,
		"mandatory_count": len(schema.MandatoryRequirements),
		"optional_count":  len(schema.OptionalRequirements),
	}, nil)

	return &schema, nil
}

func (service *ReasoningService) StructureRequirements(ctx context.Context, text string) (string, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{"message": text}

	var result struct {
		Summary string `json:"summary"`
	}
	if err := service.callWithRetry(ctx, "structure_requirements", "/v1/requirements/structure", reqBody, &result); err != nil {
		return "", err
	}

	service.logger.LogService("reasoning", "structure_requirements", time.Since(startTime), map[string]interface{}{
		"summary_length": len(result.Summary),
	}, nil)

	return result.Summary, nil
}

func (service *ReasoningService) ExtractAdditionalRequirements(ctx context.Context, productType, text string) (*models.AdditionalRequirementsResult, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{
		"product_type": productType,
		"message":      text,
	}

	var result models.AdditionalRequirementsResult
	if err := service.callWithRetry(ctx, "extract_additional", "/v1/requirements/extract-additional", reqBody, &result); err != nil {
		return nil, err
	}

	service.logger.LogService("reasoning", "extract_additional", time.Since(startTime), map[string]interface{}{
		"product_type":    productType,
		"extracted_count": len(result.ExtractedData),
	}, nil)

	return &result, nil
}

func (service *ReasoningService) DiscoverAdvancedParameters(ctx context.Context, productType string) (*models.AdvancedParametersResult, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{"product_type": productType}

	var result models.AdvancedParametersResult
	if err := service.callWithRetry(ctx, "discover_advanced", "/v1/parameters/discover", reqBody, &result); err != nil {
		return nil, err
	}

	if result.ProductType == "" {
		result.ProductType = productType
	}

	service.logger.LogService("reasoning", "discover_advanced", time.Since(startTime), map[string]interface{}{
		"product_type":    productType,
		"parameter_count": len(result.UniqueParameters),
		"vendor_count":    len(result.VendorParameters),
	}, nil)

	return &result, nil
}

func (service *ReasoningService) SelectAdvancedParameters(ctx context.Context, productType, text string, candidates []string) (*models.ParameterSelection, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{
		"product_type": productType,
		"message":      text,
		"candidates":   candidates,
	}

	var result models.ParameterSelection
	if err := service.callWithRetry(ctx, "select_advanced", "/v1/parameters/select", reqBody, &result); err != nil {
		return nil, err
	}

	if result.Count == 0 {
		result.Count = len(result.Selected)
	}

	service.logger.LogService("reasoning", "select_advanced", time.Since(startTime), map[string]interface{}{
		"product_type":   productType,
		"selected_count": result.Count,
	}, nil)

	return &result, nil
}

func (service *ReasoningService) AnalyzeProducts(ctx context.Context, description string) (*models.AnalysisResult, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{"description": description}

	var result models.AnalysisResult
	if err := service.callWithRetry(ctx, "analyze_products", "/v1/analysis/run", reqBody, &result); err != nil {
		return nil, err
	}

	result.Description = description
	result.CreatedAt = time.Now()

	service.logger.LogService("reasoning", "analyze_products", time.Since(startTime), map[string]interface{}{
		"vendor_matches": len(result.VendorMatches),
		"ranked_count":   len(result.RankedProducts),
	}, nil)

	return &result, nil
}

func (service *ReasoningService) SubmitFeedback(ctx context.Context, positive *bool, comment string) (string, error) {
	startTime := time.Now()

	reqBody := map[string]interface{}{"comment": comment}
	if positive != nil {
		reqBody["positive"] = *positive
	}

	var result struct {
		Acknowledgement string `json:"acknowledgement"`
	}
	if err := service.callWithRetry(ctx, "submit_feedback", "/v1/feedback", reqBody, &result); err != nil {
		return "", err
	}

	service.logger.LogService("reasoning", "submit_feedback", time.Since(startTime), nil, nil)

	return result.Acknowledgement, nil
}

func (service *ReasoningService) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, service.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}

	resp, err := service.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reasoning backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reasoning backend unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// callWithRetry runs postJSON up to the configured attempt count, backing off
// linearly between attempts the way the rest of the pipeline does.
func (service *ReasoningService) callWithRetry(ctx context.Context, operation, path string, reqBody interface{}, target interface{}) error {
	var lastErr error

	for attempt := 1; attempt <= service.config.MaxRetries; attempt++ {
		lastErr = service.postJSON(ctx, path, reqBody, target)
		if lastErr == nil {
			return nil
		}

		if attempt < service.config.MaxRetries {
			service.logger.WithFields(logger.Fields{
				"operation":   operation,
				"attempt":     attempt,
				"max_retries": service.config.MaxRetries,
				"error":       lastErr.Error(),
			}).Warn("Reasoning call failed, retrying")

			select {
			case <-time.After(service.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return models.NewTimeoutError("REASONING_TIMEOUT", "reasoning call timed out").WithCause(ctx.Err())
			}
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return models.NewTimeoutError("REASONING_TIMEOUT", "reasoning call timed out").WithCause(lastErr)
	}
	return models.WrapExternalError("REASONING", lastErr).WithMetadata("operation", operation)
}

func (service *ReasoningService) postJSON(ctx context.Context, path string, reqBody interface{}, target interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, service.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := service.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, truncateBody(body))
	}

	if target == nil {
		return nil
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func truncateBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
