// Package advisor answers free-form farming questions and generates crop
// plans through a text completion model, persisting generated plans.
package advisor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/model"
	"github.com/agrisense/agrisense-cli/internal/store"
	"github.com/agrisense/agrisense-cli/pkg/anthropic"
)

const systemPrompt = "You are an agricultural advisor for smallholder farmers. " +
	"Give practical, season-aware guidance on crops, irrigation, fertilizer, " +
	"pests, and market timing. Be concise and concrete."

// defaultFormatSpec constrains plan generation to a machine-readable schedule.
const defaultFormatSpec = `Return JSON array in the format: ` +
	`[{"date": "YYYY-MM-DD", "event": "Activity", "reason": "Why this task", "significance": "Importance of this event"}]`

// ErrBadSchedule is returned when the model's plan output is not valid JSON.
var ErrBadSchedule = eris.New("advisor: model returned an unparseable schedule")

// Answer is a free-form advisory reply.
type Answer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Advisor proxies queries to a completion model. Plans it generates are
// persisted through the plan store.
type Advisor struct {
	client    anthropic.Client
	plans     store.PlanStore
	model     string
	maxTokens int64
	now       func() time.Time
}

// Options tunes an Advisor. Zero values fall back to defaults.
type Options struct {
	Model     string
	MaxTokens int64
}

func New(client anthropic.Client, plans store.PlanStore, opts Options) *Advisor {
	if opts.Model == "" {
		opts.Model = "claude-haiku-4-5-20251001"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	return &Advisor{
		client:    client,
		plans:     plans,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		now:       time.Now,
	}
}

// Ask sends one free-form question and returns the model's reply.
func (a *Advisor) Ask(ctx context.Context, text string) (*Answer, error) {
	if strings.TrimSpace(text) == "" {
		return nil, eris.New("advisor: empty question")
	}

	resp, err := a.complete(ctx, text)
	if err != nil {
		return nil, err
	}
	return &Answer{Text: resp.Text(), Confidence: 0.9}, nil
}

// PlanCrop asks the model for a dated activity schedule, persists each step as
// a crop plan row, and returns the steps with their stored ids. formatSpec
// overrides the default JSON schedule instruction when non-empty.
func (a *Advisor) PlanCrop(ctx context.Context, query, cropName, formatSpec string) ([]model.PlanStep, error) {
	if strings.TrimSpace(query) == "" {
		return nil, eris.New("advisor: empty plan query")
	}
	if cropName == "" {
		cropName = "AI_Crop"
	}
	if formatSpec == "" {
		formatSpec = defaultFormatSpec
	}

	resp, err := a.complete(ctx, query+"\n"+formatSpec)
	if err != nil {
		return nil, err
	}

	steps, err := parseSchedule(resp.Text())
	if err != nil {
		return nil, err
	}

	saved := make([]model.PlanStep, 0, len(steps))
	for _, step := range steps {
		stepDate, err := time.Parse("2006-01-02", step.Date)
		if err != nil {
			stepDate = a.now().UTC()
		}
		plan, err := a.plans.SavePlan(ctx, model.CropPlan{
			CropName:    cropName,
			SowDate:     stepDate,
			HarvestDate: stepDate,
			Notes:       step.Event + " - " + step.Reason + " - " + step.Significance,
		})
		if err != nil {
			return nil, eris.Wrap(err, "advisor: saving plan step")
		}
		step.ID = plan.ID
		saved = append(saved, step)
	}

	zap.L().Info("crop plan generated",
		zap.String("crop", cropName),
		zap.Int("steps", len(saved)),
	)
	return saved, nil
}

func (a *Advisor) complete(ctx context.Context, prompt string) (*anthropic.MessageResponse, error) {
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    anthropic.CachedSystemBlocks(systemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "advisor: completion request")
	}
	resp.Usage.LogCost(a.model, "advisor")
	return resp, nil
}

// parseSchedule decodes the model's schedule output, tolerating a markdown
// code fence around the JSON array.
func parseSchedule(raw string) ([]model.PlanStep, error) {
	trimmed := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = rest
	} else if rest, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = rest
	}
	trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))

	var steps []model.PlanStep
	if err := json.Unmarshal([]byte(trimmed), &steps); err != nil {
		return nil, eris.Wrap(ErrBadSchedule, err.Error())
	}
	return steps, nil
}
