package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "gtm-agents/internal/common/errors"
	"gtm-agents/internal/common/events"
	"gtm-agents/internal/common/hubspot"
	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/metrics"
	"gtm-agents/internal/common/resilience"
	"gtm-agents/internal/common/search"
	"gtm-agents/internal/common/validation"
)

// Stage names used for spans and the stage duration histogram.
const (
	StageGather     = "gather"
	StageValidate   = "validate"
	StageSynthesise = "synthesise"
	StageVerify     = "verify"
)

// Capabilities are the process-wide outbound clients. Any of them may be nil
// when the deployment has no credentials for it.
type Capabilities struct {
	Search search.Searcher
	CRM    hubspot.Reader
	LLM    llm.Completer
}

// Recorder receives one observation per finished run.
type Recorder interface {
	RecordRun(ctx context.Context, agent, outcome string)
	RecordRunDuration(ctx context.Context, agent string, duration time.Duration, outcome string)
}

type Options struct {
	Model         string
	CritiqueModel string
	MaxTokens     int
	Publisher     events.Publisher
	Tracer        trace.Tracer
	Recorder      Recorder
	Now           func() time.Time
}

// Engine runs registered agents. Definitions are immutable after Register;
// each Run owns its own state.
type Engine struct {
	caps   Capabilities
	opts   Options
	synth  *Synthesizer
	critic *CritiqueGate
	env    *cel.Env
	logger logger.Logger

	mu     sync.RWMutex
	agents map[string]*registeredAgent
}

type registeredAgent struct {
	agent    *Agent
	rules    []cel.Program
	handoffs []cel.Program
	enums    validation.Schema
}

func NewEngine(caps Capabilities, opts Options, log logger.Logger) (*Engine, error) {
	env, err := newPredicateEnv()
	if err != nil {
		return nil, err
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	critiqueModel := opts.CritiqueModel
	if critiqueModel == "" {
		critiqueModel = opts.Model
	}
	synth := NewSynthesizer(caps.LLM, opts.Model, opts.MaxTokens)

	return &Engine{
		caps:   caps,
		opts:   opts,
		synth:  synth,
		critic: NewCritiqueGate(synth, critiqueModel),
		env:    env,
		logger: log.With(map[string]interface{}{"component": "pipeline"}),
		agents: make(map[string]*registeredAgent),
	}, nil
}

// Register compiles the agent's predicates and makes it runnable.
func (e *Engine) Register(a *Agent) error {
	if a == nil || a.ID == "" {
		return errors.New("agent id is required")
	}

	reg := &registeredAgent{agent: a, enums: enumSchema(a.Fields)}
	for _, rule := range a.Rules {
		if rule.Apply == nil {
			return fmt.Errorf("agent %s: rule %s has no apply func", a.ID, rule.Name)
		}
		var prog cel.Program
		if rule.When != "" {
			p, err := compilePredicate(e.env, rule.When)
			if err != nil {
				return fmt.Errorf("agent %s: rule %s: %w", a.ID, rule.Name, err)
			}
			prog = p
		}
		reg.rules = append(reg.rules, prog)
	}
	for _, h := range a.Handoffs {
		if (h.When == "") == (h.Check == nil) {
			return fmt.Errorf("agent %s: handoff %s needs exactly one of when or check", a.ID, h.Target)
		}
		var prog cel.Program
		if h.When != "" {
			p, err := compilePredicate(e.env, h.When)
			if err != nil {
				return fmt.Errorf("agent %s: handoff %s: %w", a.ID, h.Target, err)
			}
			prog = p
		}
		reg.handoffs = append(reg.handoffs, prog)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already registered", a.ID)
	}
	e.agents[a.ID] = reg
	return nil
}

func (e *Engine) Agent(id string) (*Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.agents[id]
	if !ok {
		return nil, false
	}
	return reg.agent, true
}

// Agents returns the registered agents sorted by id.
func (e *Engine) Agents() []*Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Agent, 0, len(e.agents))
	for _, reg := range e.agents {
		out = append(out, reg.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run executes one agent invocation. Blocked and preliminary outcomes are
// responses, not errors; the error is always a *StandardError.
func (e *Engine) Run(ctx context.Context, agentID string, payload map[string]interface{}) (*Response, error) {
	e.mu.RLock()
	reg, ok := e.agents[agentID]
	e.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewUnknownAgentError(agentID)
	}

	start := time.Now()
	metrics.AgentRunsActive.WithLabelValues(agentID).Inc()
	defer metrics.AgentRunsActive.WithLabelValues(agentID).Dec()

	ctx, span := e.opts.Tracer.Start(ctx, "agent.run", trace.WithAttributes(attribute.String("agent", agentID)))
	defer span.End()

	r := newRun(uuid.NewString(), reg.agent, copyPayload(payload), e.opts.Now())
	log := e.logger.With(map[string]interface{}{"agent": agentID, "run_id": r.ID})

	resp, err := e.execute(ctx, reg, r, log)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
	case resp.Blocked():
		outcome = "blocked"
	}
	duration := time.Since(start)
	metrics.AgentRunDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	metrics.AgentRunsCompleted.WithLabelValues(agentID, outcome).Inc()
	if e.opts.Recorder != nil {
		e.opts.Recorder.RecordRun(ctx, agentID, outcome)
		e.opts.Recorder.RecordRunDuration(ctx, agentID, duration, outcome)
	}

	if err != nil {
		stdErr := toStandardError(err)
		metrics.AgentRunsFailed.WithLabelValues(agentID, string(stdErr.Code)).Inc()
		span.SetStatus(codes.Error, string(stdErr.Code))
		log.Error("agent run failed", map[string]interface{}{
			"error_code": string(stdErr.Code),
			"error":      err.Error(),
			"duration":   duration.String(),
		})
		return nil, stdErr
	}

	log.Info("agent run completed", map[string]interface{}{
		"outcome":    outcome,
		"confidence": string(resp.Confidence),
		"gaps":       len(resp.Gaps),
		"duration":   duration.String(),
	})
	e.publish(ctx, r, resp, log)
	return resp, nil
}

func (e *Engine) execute(ctx context.Context, reg *registeredAgent, r *Run, log logger.Logger) (*Response, error) {
	a := reg.agent
	r.Meta["agent"] = a.ID
	r.Meta["run_id"] = r.ID
	r.Meta["generated_at"] = r.Now.UTC().Format(time.RFC3339)
	for _, target := range a.HandoffTargets() {
		r.Meta[handoffKey(target)] = false
	}
	r.Meta["hard_rules_applied"] = []string{}

	// Gather: input validation, pre gates, evidence.
	var block *Block
	err := e.stage(ctx, a.ID, StageGather, func(ctx context.Context) error {
		e.checkEnums(reg, r, log)
		for _, gap := range DetectGaps(r.Input, a.RequiredKeys()) {
			r.AddGap(gap)
		}
		if a.Prepare != nil {
			a.Prepare(r)
		}
		if block = runGates(a.Gates, r, log); block != nil {
			return nil
		}
		if a.Factors != nil {
			r.InitialConfidence = ScoreConfidence(a.Factors(r))
		}
		e.gather(ctx, r, log)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if block != nil {
		return assembleBlocked(r, block), nil
	}

	// Validate: post gates and confidence.
	_ = e.stage(ctx, a.ID, StageValidate, func(context.Context) error {
		if block = runGates(a.PostGates, r, log); block != nil {
			return nil
		}
		r.Confidence = ConfidenceLow
		if a.Factors != nil {
			r.Confidence = ScoreConfidence(a.Factors(r))
		}
		if r.EvidenceFailed && a.Evidence.LoadBearing {
			r.Confidence = r.Confidence.Downgrade()
		}
		if a.ConfidenceCap != nil {
			if ceiling := a.ConfidenceCap(r); ceiling != "" {
				r.Confidence = r.Confidence.Cap(ceiling)
			}
		}
		return nil
	})
	if block != nil {
		return assembleBlocked(r, block), nil
	}

	err = e.stage(ctx, a.ID, StageSynthesise, func(ctx context.Context) error {
		var out map[string]interface{}
		var err error
		if a.Generate != nil {
			out, err = a.Generate(ctx, r, e.synth)
		} else {
			out, err = e.synth.Synthesize(ctx, a.Request(r))
		}
		if err != nil {
			return err
		}
		if out == nil {
			out = map[string]interface{}{}
		}
		r.Output = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = e.stage(ctx, a.ID, StageVerify, func(ctx context.Context) error {
		e.applyRules(reg, r, log)
		e.critique(ctx, r, log)
		e.flagHandoffs(reg, r, log)
		return nil
	})

	if a.Finalize != nil {
		r.Sections = a.Finalize(r)
	}
	if r.QualityNote != "" {
		if r.Sections == nil {
			r.Sections = r.Output
		}
		r.Sections["quality_note"] = r.QualityNote
	}
	for _, key := range a.MetaKeys {
		if v, ok := r.Derived[key]; ok {
			r.Meta[key] = v
		}
	}
	return assemble(r), nil
}

// stage wraps one pipeline stage in a span and a duration observation.
func (e *Engine) stage(ctx context.Context, agentID, name string, fn func(ctx context.Context) error) error {
	ctx, span := e.opts.Tracer.Start(ctx, "stage."+name, trace.WithAttributes(attribute.String("agent", agentID)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(agentID, name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// checkEnums drops enum values outside the declared set and records a gap.
func (e *Engine) checkEnums(reg *registeredAgent, r *Run, log logger.Logger) {
	if reg.enums == nil {
		return
	}
	for _, f := range reg.agent.Fields {
		if text, ok := r.Input[f.Key].(string); ok && f.Kind == "multiselect" && len(f.Enum) > 0 {
			items := ToStrings(text)
			list := make([]interface{}, len(items))
			for i, item := range items {
				list[i] = item
			}
			r.Input[f.Key] = list
		}
	}
	result, err := validation.Validate(reg.enums, r.Input)
	if err != nil {
		log.Warn("enum validation unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	if result.Valid {
		return
	}
	for _, f := range reg.agent.Fields {
		if len(f.Enum) == 0 || IsMissing(r.Input, f.Key) {
			continue
		}
		single := validation.Object(map[string]validation.Schema{f.Key: enumField(f)})
		res, err := validation.Validate(single, map[string]interface{}{f.Key: r.Input[f.Key]})
		if err != nil || res.Valid {
			continue
		}
		log.Debug("input value outside allowed set", map[string]interface{}{"field": f.Key})
		delete(r.Input, f.Key)
		r.AddGap(fmt.Sprintf("%s must be one of: %s", FieldLabel(f.Key), strings.Join(f.Enum, ", ")))
	}
}

func (e *Engine) gather(ctx context.Context, r *Run, log logger.Logger) {
	a := r.Agent
	if a.Queries != nil {
		queries := a.Queries(r)
		if len(queries) > 0 {
			results := GatherEvidence(ctx, e.caps.Search, queries, a.Evidence, r.Now)
			for _, res := range results {
				if res.Err != nil {
					log.Warn("evidence query failed", map[string]interface{}{
						"type":  res.Query.Type,
						"error": res.Err.Error(),
					})
				}
			}
			if allFailed := foldEvidence(r, results, a.Evidence); allFailed {
				r.EvidenceFailed = true
				if a.Evidence.FailureGap != "" {
					r.AddGap(a.Evidence.FailureGap)
				}
			}
		}
	}
	if a.Gather != nil {
		if err := a.Gather(ctx, r, e.caps); err != nil {
			log.Warn("evidence gathering degraded", map[string]interface{}{"error": err.Error()})
			r.EvidenceFailed = true
			if a.Evidence.FailureGap != "" {
				r.AddGap(a.Evidence.FailureGap)
			}
		}
	}
}

func runGates(gates []Gate, r *Run, log logger.Logger) *Block {
	for _, g := range gates {
		if b := g.Check(r); b != nil {
			log.Info("run stopped by gate", map[string]interface{}{"gate": g.Name, "preliminary": b.Preliminary})
			return b
		}
	}
	return nil
}

func (e *Engine) applyRules(reg *registeredAgent, r *Run, log logger.Logger) {
	applied := make([]string, 0)
	for i, rule := range reg.agent.Rules {
		if prog := reg.rules[i]; prog != nil {
			ok, err := evalPredicate(prog, r)
			if err != nil {
				log.Debug("rule predicate not evaluable", map[string]interface{}{"rule": rule.Name, "error": err.Error()})
			}
			if !ok {
				continue
			}
		}
		v := rule.Apply(r)
		if v == nil {
			continue
		}
		if v.Rule == "" {
			v.Rule = rule.Name
		}
		r.Verdicts = append(r.Verdicts, *v)
		applied = append(applied, v.Rule)
		metrics.HardRulesApplied.WithLabelValues(reg.agent.ID, v.Rule).Inc()
		log.Info("hard rule applied", map[string]interface{}{"rule": v.Rule, "field": v.Field, "note": v.Note})
	}
	r.Meta["hard_rules_applied"] = applied
	// Overridden model claims stay visible next to the corrected value.
	if len(r.Verdicts) > 0 {
		r.Meta["hard_rule_verdicts"] = r.Verdicts
	}
}

// critique never fails the run: any error only marks verification as skipped.
func (e *Engine) critique(ctx context.Context, r *Run, log logger.Logger) {
	a := r.Agent
	if len(a.CritiqueRules) == 0 {
		return
	}
	c, err := e.critic.Review(ctx, a.ID, r.Output, a.CritiqueRules)
	if err != nil {
		log.Warn("self-critique skipped", map[string]interface{}{
			"error_code": string(apperrors.ErrCodeCritiqueFailed),
			"error":      err.Error(),
		})
		r.Meta["verification_skipped"] = true
		return
	}
	r.Critique = c
	r.Meta["verification_score"] = c.Score
	r.Meta["verification_passed"] = c.Passed
	metrics.CritiqueScore.WithLabelValues(a.ID).Observe(c.Score)

	if !c.Passed || (a.QualityThreshold > 0 && c.Score < a.QualityThreshold) {
		r.QualityNote = c.QualityNote()
	}
}

func (e *Engine) flagHandoffs(reg *registeredAgent, r *Run, log logger.Logger) {
	for i, h := range reg.agent.Handoffs {
		var flagged bool
		if prog := reg.handoffs[i]; prog != nil {
			ok, err := evalPredicate(prog, r)
			if err != nil {
				log.Debug("handoff predicate not evaluable", map[string]interface{}{"target": h.Target, "error": err.Error()})
			}
			flagged = ok
		} else {
			flagged = h.Check(r)
		}
		r.Meta[handoffKey(h.Target)] = flagged
	}
}

// publish emits a handoff event when any flag is set. Failures are logged only.
func (e *Engine) publish(ctx context.Context, r *Run, resp *Response, log logger.Logger) {
	var targets []string
	for _, target := range r.Agent.HandoffTargets() {
		if flagged, _ := resp.Meta[handoffKey(target)].(bool); flagged {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return
	}
	err := e.opts.Publisher.Publish(ctx, events.HandoffEvent{
		EventID:    uuid.NewString(),
		Agent:      r.Agent.ID,
		RunID:      r.ID,
		Confidence: string(resp.Confidence),
		Handoffs:   targets,
		OccurredAt: e.opts.Now().UTC(),
	})
	if err != nil {
		log.Warn("handoff event not published", map[string]interface{}{"error": err.Error(), "handoffs": targets})
	}
}

func handoffKey(target string) string {
	return "handoff_to_" + target
}

func enumField(f Field) validation.Schema {
	if f.Kind == "multiselect" {
		return validation.Array(validation.Enum(f.Key, f.Enum...), f.Key)
	}
	return validation.Enum(f.Key, f.Enum...)
}

func enumSchema(fields []Field) validation.Schema {
	props := map[string]validation.Schema{}
	for _, f := range fields {
		if len(f.Enum) > 0 {
			props[f.Key] = validation.Nullable(enumField(f))
		}
	}
	if len(props) == 0 {
		return nil
	}
	return validation.Object(props)
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// toStandardError maps pipeline and capability failures onto the public taxonomy.
func toStandardError(err error) *apperrors.StandardError {
	var stdErr *apperrors.StandardError
	var schemaErr *SynthesisSchemaError
	var synthErr *SynthesisError
	switch {
	case errors.As(err, &stdErr):
		return stdErr
	case errors.As(err, &schemaErr):
		return apperrors.NewSynthesisSchemaInvalidError(err)
	case errors.Is(err, llm.ErrLLMTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewLLMTimeoutError(err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return apperrors.NewCircuitOpenError("llm")
	case errors.As(err, &synthErr):
		return apperrors.NewLLMSynthesisFailedError(err)
	default:
		return apperrors.NewInternalError(err)
	}
}
