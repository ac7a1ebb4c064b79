package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"inspec-ai-pipeline/internal/config"
	"inspec-ai-pipeline/internal/models"
	"inspec-ai-pipeline/internal/pkg/logger"
)

// SessionStore is the slice of session persistence the orchestrator needs.
// SessionService implements it against Redis.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*models.SessionState, error)
	SaveSession(ctx context.Context, state *models.SessionState) error
	DeleteSession(ctx context.Context, sessionID string) error
	AppendMessage(ctx context.Context, sessionID string, message models.ChatMessage) error
	GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	AcquireGate(ctx context.Context, sessionID string) (bool, error)
	ReleaseGate(ctx context.Context, sessionID string)
	PublishUpdate(ctx context.Context, update *models.SessionUpdate) error
}

// ReasoningEngine is the backend contract the workflow depends on.
// ClassifyIntent and GenerateAgentResponse never fail; every other operation
// returns an error the dispatch branch must catch.
type ReasoningEngine interface {
	ClassifyIntent(ctx context.Context, text string, currentStep models.WorkflowStep) *IntentClassificationResult
	GenerateAgentResponse(ctx context.Context, step models.WorkflowStep, dataContext map[string]interface{}, userMessage string, intent models.Intent) *AgentResponseResult
	ValidateRequirements(ctx context.Context, text, knownProductType string) (*models.ValidationResult, error)
	FetchRequirementSchema(ctx context.Context, productType string) (*models.RequirementSchema, error)
	StructureRequirements(ctx context.Context, text string) (string, error)
	ExtractAdditionalRequirements(ctx context.Context, productType, text string) (*models.AdditionalRequirementsResult, error)
	DiscoverAdvancedParameters(ctx context.Context, productType string) (*models.AdvancedParametersResult, error)
	SelectAdvancedParameters(ctx context.Context, productType, text string, candidates []string) (*models.ParameterSelection, error)
	AnalyzeProducts(ctx context.Context, description string) (*models.AnalysisResult, error)
	SubmitFeedback(ctx context.Context, positive *bool, comment string) (string, error)
	HealthCheck(ctx context.Context) error
}

// MessageStreamer reveals assistant messages incrementally or appends them
// whole. Streamer implements it over the session update stream.
type MessageStreamer interface {
	Reveal(ctx context.Context, sessionID, requestID string, message models.ChatMessage) error
	AppendImmediate(ctx context.Context, sessionID, requestID string, message models.ChatMessage) error
}

// Orchestrator drives the conversational workflow: one user message in, one
// fully processed turn out. Turns for a session are serialized by the busy
// gate in the store, so no two writers ever touch the same session state.
type Orchestrator struct {
	store     SessionStore
	reasoning ReasoningEngine
	streamer  MessageStreamer
	ranking   *RankingService

	config config.Config
	logger *logger.Logger

	activeTurns sync.Map // session_id -> request_id

	startTime time.Time
}

// turn carries everything one dispatch needs: the loaded session state, the
// incoming text and the messages appended so far.
type turn struct {
	orchestrator *Orchestrator
	state        *models.SessionState
	requestID    string
	userText     string
	appended     []models.ChatMessage
	logger       *logger.Logger
}

// Products scoring at or above this mark are counted for the completion
// message. The stored ranking keeps every product regardless of score.
const analysisScoreThreshold = 80.0

const greetingExamplePrompt = "I need a pressure transmitter, 0-100 bar, 4-20 mA output, for offshore use"

// Control phrases are matched against the whole normalized input, token by
// token, so a product name that merely contains "run" never triggers a
// transition.
var (
	skipMissingPhrases    = []string{"yes", "y", "skip", "skip for now"}
	optionalDonePhrases   = []string{"no", "none", "no more", "proceed", "ready", "continue", "done"}
	advancedSkipPhrases   = []string{"no", "none", "skip", "done", "no thanks"}
	summaryConfirmPhrases = []string{"yes", "y", "proceed", "continue", "run", "analyze", "ok", "okay"}
	rerunPhrases          = []string{"rerun", "run", "run again", "retry"}
)

func NewOrchestrator(
	store SessionStore,
	reasoning ReasoningEngine,
	streamer MessageStreamer,
	ranking *RankingService,
	config config.Config,
	logger *logger.Logger) *Orchestrator {

	orchestrator := &Orchestrator{
		store:     store,
		reasoning: reasoning,
		streamer:  streamer,
		ranking:   ranking,
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}

	logger.Info("Orchestrator initialized",
		"steps", len(models.AllWorkflowSteps()),
		"services_count", 4)

	return orchestrator
}

// HandleMessage processes one user message to completion: gate, append,
// classify, dispatch, persist. It rejects with ErrSessionBusy while a prior
// turn for the same session is still running.
func (orchestrator *Orchestrator) HandleMessage(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	startTime := time.Now()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = models.GenerateSessionID()
	}
	requestID := models.GenerateRequestID()

	acquired, err := orchestrator.store.AcquireGate(ctx, sessionID)
	if err != nil {
		return nil, models.NewInternalError("GATE_FAILED", "could not acquire session gate").WithCause(err)
	}
	if !acquired {
		return nil, models.ErrSessionBusy.WithMetadata("session_id", sessionID)
	}
	defer orchestrator.store.ReleaseGate(ctx, sessionID)

	orchestrator.activeTurns.Store(sessionID, requestID)
	defer orchestrator.activeTurns.Delete(sessionID)

	state, err := orchestrator.store.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, models.ErrSessionNotFound) {
			return nil, err
		}
		state = models.NewSessionState(sessionID)
	}
	if req.NewSearch {
		state.ResetSearch()
	}

	orchestrator.logger.LogWorkflow(sessionID, "turn_started", 0, nil)

	turn := &turn{
		orchestrator: orchestrator,
		state:        state,
		requestID:    requestID,
		userText:     req.Message,
		logger:       orchestrator.logger,
	}

	turn.appendUserMessage(ctx)

	previousStep := state.Step

	classification := orchestrator.reasoning.ClassifyIntent(ctx, req.Message, state.Step)

	if classification.Intent == models.IntentKnowledgeQuestion {
		turn.answerInterruption(ctx)
	} else {
		targetStep := state.Step
		if classification.NextStep != "" {
			if suggested := models.ParseWorkflowStep(classification.NextStep); suggested != models.StepDefault {
				targetStep = suggested
			}
		}
		if classification.Intent == models.IntentProductRequirements {
			targetStep = models.StepInitialInput
		}
		turn.dispatch(ctx, targetStep, classification.Intent)
	}

	state.MessageCount += 2
	state.Touch()

	if state.Step != previousStep {
		turn.publishStepChange(ctx)
	}

	if err := orchestrator.store.SaveSession(ctx, state); err != nil {
		orchestrator.logger.WithError(err).Error("Failed to persist session state", "session_id", sessionID)
	}

	duration := time.Since(startTime)
	orchestrator.logger.LogWorkflow(sessionID, "turn_completed", duration, nil)

	totalTimeMs := float64(duration.Milliseconds())

	return &models.ChatResponse{
		SessionID: sessionID,
		RequestID: requestID,
		Step:      state.Step,
		Messages:  turn.appended,
		Timestamp: time.Now(),
		TotalTime: &totalTimeMs,
	}, nil
}

func (turn *turn) dispatch(ctx context.Context, targetStep models.WorkflowStep, intent models.Intent) {
	startTime := time.Now()

	switch targetStep {
	case models.StepGreeting:
		turn.handleGreeting(ctx, intent)
	case models.StepInitialInput:
		turn.handleInitialInput(ctx)
	case models.StepAwaitMissingInfo:
		turn.handleAwaitMissingInfo(ctx)
	case models.StepConfirmAfterMissingInfo:
		turn.handleConfirmAfterMissingInfo(ctx)
	case models.StepAwaitOptional:
		turn.handleAwaitOptional(ctx)
	case models.StepAwaitAdvanced:
		turn.handleAwaitAdvanced(ctx)
	case models.StepShowSummary:
		turn.handleShowSummary(ctx, intent)
	case models.StepFinalAnalysis:
		turn.handleFinalAnalysis(ctx, intent)
	case models.StepAnalysisError:
		turn.handleAnalysisError(ctx)
	default:
		turn.handleDefault(ctx, intent)
	}

	turn.logger.LogStep(turn.state.ID, string(targetStep), "dispatched", time.Since(startTime), logger.Fields{
		"resulting_step": string(turn.state.Step),
	}, nil)
}

// answerInterruption answers an off-topic question at the current step
// without advancing it or touching collected data. The workflow resumes where
// it was on the next message.
func (turn *turn) answerInterruption(ctx context.Context) {
	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, turn.state.Step, turn.dataContext(), turn.userText, models.IntentKnowledgeQuestion)

	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
}

func (turn *turn) handleGreeting(ctx context.Context, intent models.Intent) {
	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, models.StepGreeting, turn.dataContext(), turn.userText, intent)

	message := models.NewChatMessage(models.AuthorAssistant, response.Content)
	message.Meta = &models.MessageMeta{ExamplePrompt: greetingExamplePrompt}
	turn.streamAssistant(ctx, message)

	turn.state.Step = models.StepInitialInput
}

func (turn *turn) handleInitialInput(ctx context.Context) {
	validation, err := turn.orchestrator.reasoning.ValidateRequirements(ctx, turn.userText, "")
	if err != nil {
		turn.fail(ctx, err, "I couldn't process your requirements just now. Please try sending them again.")
		return
	}

	if validation.ProductType == "" {
		response := turn.orchestrator.reasoning.GenerateAgentResponse(
			ctx, models.StepInitialInput, turn.dataContext(), turn.userText, models.IntentProductRequirements)
		turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
		turn.state.Step = models.StepInitialInput
		return
	}

	schema, err := turn.orchestrator.reasoning.FetchRequirementSchema(ctx, validation.ProductType)
	if err != nil {
		turn.fail(ctx, err, fmt.Sprintf("I recognized a %s but couldn't load its requirement list. Please resend your requirements.", validation.ProductType))
		return
	}

	turn.state.ProductType = validation.ProductType
	turn.state.Schema = schema
	turn.state.CollectedData = MergeWithSchema(models.CollectedData(validation.ExtractedData), schema)
	turn.state.RequirementText = turn.userText

	if validation.ValidationAlert != "" {
		message := models.NewChatMessage(models.AuthorAssistant, validation.ValidationAlert)
		message.Meta = &models.MessageMeta{
			ProductType:     validation.ProductType,
			ValidationAlert: validation.ValidationAlert,
		}
		turn.streamAssistant(ctx, message)
		turn.state.Step = models.StepAwaitMissingInfo
		return
	}

	turn.state.Step = suggestedOr(validation.SuggestedStep, models.StepAwaitOptional)

	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, turn.state.Step, turn.dataContext(), turn.userText, models.IntentProductRequirements)
	message := models.NewChatMessage(models.AuthorAssistant, response.Content)
	message.Meta = &models.MessageMeta{ProductType: validation.ProductType}
	turn.streamAssistant(ctx, message)
}

func (turn *turn) handleAwaitMissingInfo(ctx context.Context) {
	if matchesControlPhrase(turn.userText, skipMissingPhrases) {
		response := turn.orchestrator.reasoning.GenerateAgentResponse(
			ctx, models.StepAwaitOptional, turn.dataContext(), turn.userText, models.IntentWorkflow)
		turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
		turn.state.Step = models.StepAwaitOptional
		return
	}

	turn.revalidateWithNewText(ctx)
}

// revalidateWithNewText resubmits the accumulated requirement text plus the
// new message, merges whatever was extracted and loops back to the alert if
// mandatory fields are still open.
func (turn *turn) revalidateWithNewText(ctx context.Context) {
	combined := turn.state.RequirementText
	if combined != "" {
		combined += "\n"
	}
	combined += turn.userText

	validation, err := turn.orchestrator.reasoning.ValidateRequirements(ctx, combined, turn.state.ProductType)
	if err != nil {
		turn.fail(ctx, err, "I couldn't check those details just now. Please send them again.")
		return
	}

	turn.state.RequirementText = combined
	turn.mergeExtracted(validation.ExtractedData)

	stillMissing := MandatoryFieldsMissing(turn.state.CollectedData, turn.state.Schema)
	if validation.ValidationAlert != "" && len(stillMissing) > 0 {
		message := models.NewChatMessage(models.AuthorAssistant, validation.ValidationAlert)
		message.Meta = &models.MessageMeta{
			ProductType:     turn.state.ProductType,
			ValidationAlert: validation.ValidationAlert,
		}
		turn.streamAssistant(ctx, message)
		turn.state.Step = models.StepAwaitMissingInfo
		return
	}

	turn.state.Step = suggestedOr(validation.SuggestedStep, models.StepAwaitOptional)

	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, turn.state.Step, turn.dataContext(), turn.userText, models.IntentWorkflow)
	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
}

func (turn *turn) handleConfirmAfterMissingInfo(ctx context.Context) {
	if matchesControlPhrase(turn.userText, summaryConfirmPhrases) {
		response := turn.orchestrator.reasoning.GenerateAgentResponse(
			ctx, models.StepAwaitOptional, turn.dataContext(), turn.userText, models.IntentWorkflow)
		turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
		turn.state.Step = models.StepAwaitOptional
		return
	}

	turn.revalidateWithNewText(ctx)
}

func (turn *turn) handleAwaitOptional(ctx context.Context) {
	if matchesControlPhrase(turn.userText, optionalDonePhrases) {
		response := turn.orchestrator.reasoning.GenerateAgentResponse(
			ctx, models.StepAwaitOptional, turn.dataContext(), turn.userText, models.IntentWorkflow)
		turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
		turn.enterAdvancedDiscovery(ctx)
		return
	}

	extraction, err := turn.orchestrator.reasoning.ExtractAdditionalRequirements(ctx, turn.state.ProductType, turn.userText)
	if err != nil {
		turn.fail(ctx, err, "I couldn't capture those additional requirements. Please try rephrasing them.")
		return
	}

	turn.mergeExtracted(extraction.ExtractedData)
	if turn.state.RequirementText != "" {
		turn.state.RequirementText += "\n"
	}
	turn.state.RequirementText += turn.userText

	if extraction.Explanation != "" {
		turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, extraction.Explanation))
	}

	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, models.StepAwaitOptional, turn.dataContext(), turn.userText, models.IntentWorkflow)
	if extraction.Explanation == "" {
		turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
	}

	if models.ParseWorkflowStep(response.NextStep) == models.StepAwaitAdvanced {
		turn.enterAdvancedDiscovery(ctx)
		return
	}

	turn.state.Step = suggestedOr(response.NextStep, models.StepAwaitOptional)
}

// enterAdvancedDiscovery fetches the vendor-sourced parameter candidates and
// renders them. Discovery failure holds the step at awaitOptional so the user
// can retry or skip forward.
func (turn *turn) enterAdvancedDiscovery(ctx context.Context) {
	discovered, err := turn.orchestrator.reasoning.DiscoverAdvancedParameters(ctx, turn.state.ProductType)
	if err != nil {
		turn.state.Step = models.StepAwaitOptional
		turn.fail(ctx, err, "I couldn't look up the advanced parameters for this product. Say \"continue\" to try again, or \"skip\" to go straight to the summary.")
		return
	}

	turn.state.Advanced = discovered
	turn.state.Step = models.StepAwaitAdvanced

	listContext := turn.dataContext()
	listContext["advanced_parameters"] = discovered.UniqueParameters

	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, models.StepAwaitAdvanced, listContext, turn.userText, models.IntentWorkflow)
	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
}

func (turn *turn) handleAwaitAdvanced(ctx context.Context) {
	if matchesControlPhrase(turn.userText, advancedSkipPhrases) {
		turn.finishWithSummary(ctx)
		return
	}

	if turn.state.Advanced == nil {
		response := turn.orchestrator.reasoning.GenerateAgentResponse(
			ctx, models.StepAwaitAdvanced, turn.dataContext(), turn.userText, models.IntentWorkflow)
		turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
		turn.state.Step = models.StepAwaitAdvanced
		return
	}

	selection, err := turn.orchestrator.reasoning.SelectAdvancedParameters(
		ctx, turn.state.ProductType, turn.userText, turn.state.Advanced.UniqueParameters)
	if err != nil {
		turn.fail(ctx, err, "I couldn't match that against the advanced parameters. Please try again, or say \"skip\".")
		return
	}

	turn.mergeExtracted(selection.Selected)

	tallyContext := turn.dataContext()
	tallyContext["selected_count"] = selection.Count

	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, models.StepAwaitAdvanced, tallyContext, turn.userText, models.IntentWorkflow)
	message := models.NewChatMessage(models.AuthorAssistant, response.Content)
	message.Meta = &models.MessageMeta{SelectionCount: selection.Count}
	turn.streamAssistant(ctx, message)

	if models.ParseWorkflowStep(response.NextStep) == models.StepShowSummary {
		turn.finishWithSummary(ctx)
		return
	}

	turn.state.Step = models.StepAwaitAdvanced
}

// finishWithSummary structures the collected requirements into a summary
// message and immediately starts the analysis.
func (turn *turn) finishWithSummary(ctx context.Context) {
	summary, err := turn.orchestrator.reasoning.StructureRequirements(ctx, turn.composeDescription())
	if err != nil {
		turn.fail(ctx, err, "I couldn't put your requirements summary together. Please try again.")
		return
	}

	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, "Here is the full requirements summary:"))

	summaryMessage := models.NewChatMessage(models.AuthorAssistant, summary)
	summaryMessage.Meta = &models.MessageMeta{ProductType: turn.state.ProductType}
	turn.appendStructured(ctx, summaryMessage)

	turn.state.Step = models.StepShowSummary
	turn.performAnalysis(ctx)
}

func (turn *turn) handleShowSummary(ctx context.Context, intent models.Intent) {
	if matchesControlPhrase(turn.userText, summaryConfirmPhrases) {
		turn.performAnalysis(ctx)
		return
	}

	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, models.StepShowSummary, turn.dataContext(), turn.userText, intent)
	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
	turn.state.Step = models.StepShowSummary
}

func (turn *turn) handleFinalAnalysis(ctx context.Context, intent models.Intent) {
	if matchesControlPhrase(turn.userText, rerunPhrases) {
		turn.performAnalysis(ctx)
		return
	}

	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, models.StepFinalAnalysis, turn.dataContext(), turn.userText, intent)
	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
}

func (turn *turn) handleAnalysisError(ctx context.Context) {
	if matchesControlPhrase(turn.userText, rerunPhrases) {
		turn.performAnalysis(ctx)
		return
	}

	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant,
		"The last analysis didn't finish. Type \"rerun\" to try it again."))
	turn.state.Step = models.StepAnalysisError
}

func (turn *turn) handleDefault(ctx context.Context, intent models.Intent) {
	response := turn.orchestrator.reasoning.GenerateAgentResponse(
		ctx, turn.state.Step, turn.dataContext(), turn.userText, intent)
	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, response.Content))
}

// performAnalysis submits the composed requirement description for ranking.
// Re-triggerable at any time: it reads only collected data and replaces the
// stored analysis wholesale, so "rerun" is safe.
func (turn *turn) performAnalysis(ctx context.Context) {
	startTime := time.Now()

	result, err := turn.orchestrator.reasoning.AnalyzeProducts(ctx, turn.composeDescription())
	if err != nil {
		turn.state.Step = models.StepAnalysisError
		turn.fail(ctx, err, "The analysis failed before it could finish. Type \"rerun\" to try again.")
		turn.logger.LogService("orchestrator", "perform_analysis", time.Since(startTime), nil, err)
		return
	}

	turn.state.Analysis = result

	strongMatches := 0
	for _, product := range result.RankedProducts {
		if product.OverallScore >= analysisScoreThreshold {
			strongMatches++
		}
	}

	content := fmt.Sprintf("Analysis complete. I found %d strong matches across %d candidate products. Open the results view to compare them, or describe a new instrument to start over.",
		strongMatches, len(result.RankedProducts))

	message := models.NewChatMessage(models.AuthorAssistant, content)
	message.Meta = &models.MessageMeta{
		ProductType:  turn.state.ProductType,
		AnalysisDone: true,
	}
	turn.streamAssistant(ctx, message)

	turn.state.Step = models.StepInitialInput

	turn.logger.LogService("orchestrator", "perform_analysis", time.Since(startTime), logger.Fields{
		"product_count":  len(result.RankedProducts),
		"strong_matches": strongMatches,
	}, nil)
}

// fail surfaces one user-visible error message and leaves the step wherever
// the branch put it. No dispatch error is ever swallowed silently.
func (turn *turn) fail(ctx context.Context, cause error, content string) {
	turn.logger.WithError(cause).Error("Workflow branch failed",
		"session_id", turn.state.ID,
		"step", string(turn.state.Step))

	turn.streamAssistant(ctx, models.NewChatMessage(models.AuthorAssistant, content))
}

func (turn *turn) appendUserMessage(ctx context.Context) {
	message := models.NewChatMessage(models.AuthorUser, turn.userText)

	if err := turn.orchestrator.store.AppendMessage(ctx, turn.state.ID, message); err != nil {
		turn.logger.WithError(err).Error("Failed to append user message", "session_id", turn.state.ID)
	}

	update := &models.SessionUpdate{
		SessionID: turn.state.ID,
		RequestID: turn.requestID,
		Type:      models.UpdateTypeMessageAppended,
		MessageID: message.ID,
		Author:    models.AuthorUser,
		Content:   message.Content,
		Timestamp: time.Now(),
	}
	if err := turn.orchestrator.store.PublishUpdate(ctx, update); err != nil {
		turn.logger.WithError(err).Warn("Failed to publish user message update", "session_id", turn.state.ID)
	}

	turn.appended = append(turn.appended, message)
}

func (turn *turn) streamAssistant(ctx context.Context, message models.ChatMessage) {
	if err := turn.orchestrator.streamer.Reveal(ctx, turn.state.ID, turn.requestID, message); err != nil {
		turn.logger.WithError(err).Error("Failed to stream assistant message", "session_id", turn.state.ID)
	}
	turn.appended = append(turn.appended, message)
}

func (turn *turn) appendStructured(ctx context.Context, message models.ChatMessage) {
	if err := turn.orchestrator.streamer.AppendImmediate(ctx, turn.state.ID, turn.requestID, message); err != nil {
		turn.logger.WithError(err).Error("Failed to append structured message", "session_id", turn.state.ID)
	}
	turn.appended = append(turn.appended, message)
}

func (turn *turn) publishStepChange(ctx context.Context) {
	update := &models.SessionUpdate{
		SessionID: turn.state.ID,
		RequestID: turn.requestID,
		Type:      models.UpdateTypeStepChanged,
		Step:      turn.state.Step,
		Timestamp: time.Now(),
	}
	if err := turn.orchestrator.store.PublishUpdate(ctx, update); err != nil {
		turn.logger.WithError(err).Warn("Failed to publish step change", "session_id", turn.state.ID)
	}
}

// mergeExtracted overlays newly extracted values onto collected data without
// dropping any key the schema declares, then re-applies the schema
// placeholders.
func (turn *turn) mergeExtracted(extracted map[string]string) {
	if turn.state.CollectedData == nil {
		turn.state.CollectedData = models.CollectedData{}
	}
	for key, value := range extracted {
		if value == "" {
			continue
		}
		turn.state.CollectedData[key] = value
	}
	turn.state.CollectedData = MergeWithSchema(turn.state.CollectedData, turn.state.Schema)
}

func (turn *turn) dataContext() map[string]interface{} {
	dataContext := map[string]interface{}{
		"step":          string(turn.state.Step),
		"message_count": turn.state.MessageCount,
	}
	if turn.state.ProductType != "" {
		dataContext["product_type"] = turn.state.ProductType
	}
	if len(turn.state.CollectedData) > 0 {
		dataContext["collected_data"] = turn.state.CollectedData
		dataContext["filled_fields"] = turn.state.CollectedData.FilledFields()
	}
	if missing := MandatoryFieldsMissing(turn.state.CollectedData, turn.state.Schema); len(missing) > 0 {
		dataContext["missing_fields"] = missing
	}
	return dataContext
}

// composeDescription flattens the product type and every non-empty collected
// field into the single descriptive string the analysis backend expects.
// Keys are sorted so reruns submit identical input.
func (turn *turn) composeDescription() string {
	var builder strings.Builder
	builder.WriteString(turn.state.ProductType)

	keys := make([]string, 0, len(turn.state.CollectedData))
	for key, value := range turn.state.CollectedData {
		if value != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		fmt.Fprintf(&builder, "; %s: %s", key, turn.state.CollectedData[key])
	}

	return builder.String()
}

func suggestedOr(suggested string, fallback models.WorkflowStep) models.WorkflowStep {
	if suggested == "" {
		return fallback
	}
	if step := models.ParseWorkflowStep(suggested); step != models.StepDefault {
		return step
	}
	return fallback
}

// matchesControlPhrase compares the whole normalized input against a closed
// phrase set. "Run the output signal at 4-20 mA" does not match "run";
// "run again" does.
func matchesControlPhrase(text string, phrases []string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	normalized := strings.Join(tokens, " ")
	if normalized == "" {
		return false
	}

	for _, phrase := range phrases {
		if normalized == phrase {
			return true
		}
	}
	return false
}

// GetMessages returns the full ordered message log for a session.
func (orchestrator *Orchestrator) GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	return orchestrator.store.GetMessages(ctx, sessionID)
}

// GetResults builds the ranking view for a session's most recent analysis.
func (orchestrator *Orchestrator) GetResults(ctx context.Context, sessionID string) (*models.RankingView, error) {
	state, err := orchestrator.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return orchestrator.ranking.BuildView(ctx, state.Analysis), nil
}

// ResetSearch clears the requirement state of a session but keeps its message
// log and last analysis, matching the "New Search" action.
func (orchestrator *Orchestrator) ResetSearch(ctx context.Context, sessionID string) (*models.SessionState, error) {
	state, err := orchestrator.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state.ResetSearch()
	if err := orchestrator.store.SaveSession(ctx, state); err != nil {
		return nil, err
	}

	orchestrator.logger.LogWorkflow(sessionID, "search_reset", 0, nil)
	return state, nil
}

// DeleteSession removes all state for a session.
func (orchestrator *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	return orchestrator.store.DeleteSession(ctx, sessionID)
}

// SubmitFeedback forwards user feedback and records the acknowledgement as a
// feedback-authored message in the session log.
func (orchestrator *Orchestrator) SubmitFeedback(ctx context.Context, req *models.FeedbackRequest) (string, error) {
	acknowledgement, err := orchestrator.reasoning.SubmitFeedback(ctx, req.Positive, req.Comment)
	if err != nil {
		return "", err
	}

	message := models.NewChatMessage(models.AuthorFeedback, acknowledgement)
	if err := orchestrator.store.AppendMessage(ctx, req.SessionID, message); err != nil {
		orchestrator.logger.WithError(err).Warn("Failed to record feedback acknowledgement", "session_id", req.SessionID)
	}

	return acknowledgement, nil
}

func (orchestrator *Orchestrator) GetActiveTurnsCount() int {
	count := 0
	orchestrator.activeTurns.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (orchestrator *Orchestrator) HealthCheck(ctx context.Context) error {
	if err := orchestrator.reasoning.HealthCheck(ctx); err != nil {
		return fmt.Errorf("reasoning health check failed: %w", err)
	}
	return nil
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	uptime := time.Since(orchestrator.startTime)

	return map[string]interface{}{
		"service":        "orchestrator",
		"uptime_seconds": uptime.Seconds(),
		"active_turns":   orchestrator.GetActiveTurnsCount(),
		"workflow_steps": models.AllWorkflowSteps(),
	}
}

func (orchestrator *Orchestrator) Close() error {
	orchestrator.logger.Info("Orchestrator shutting down")

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			if active := orchestrator.GetActiveTurnsCount(); active > 0 {
				orchestrator.logger.Warn("Timeout waiting for turns to complete", "active_turns", active)
			}
			return nil
		case <-ticker.C:
			if orchestrator.GetActiveTurnsCount() == 0 {
				orchestrator.logger.Info("All turns completed, orchestrator closed")
				return nil
			}
		}
	}
}
