// Package pipeline runs the per-recipient certificate pipeline over a roster.
package pipeline

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"certmailer/internal/docstore"
	"certmailer/internal/mailer"
	"certmailer/internal/models"
	"certmailer/internal/render"
	"certmailer/internal/roster"
)

// Renderer turns a template source into one recipient's certificate. The
// temporary copy it creates is gone by the time Render returns.
type Renderer interface {
	Render(ctx context.Context, src docstore.SourceID, rec models.Recipient) (models.RenderedDocument, error)
}

// ProgressFunc receives the completed fraction of eligible rows and a label.
type ProgressFunc func(fraction float64, label string)

// Step is the outcome of one eligible row.
type Step struct {
	Recipient models.Recipient
	// Position is 1-based among eligible rows; Eligible is their count.
	Position int
	Eligible int
	Err      *RecipientError
}

func (s Step) Fraction() float64 {
	if s.Eligible == 0 {
		return 1
	}
	return float64(s.Position) / float64(s.Eligible)
}

func (s Step) Label() string {
	if s.Err != nil {
		return fmt.Sprintf("Failed for %s [%d/%d]", s.Recipient.FullName, s.Position, s.Eligible)
	}
	return fmt.Sprintf("Mail Sent to %s [%d/%d]", s.Recipient.FullName, s.Position, s.Eligible)
}

type Orchestrator struct {
	renderer Renderer
	sender   mailer.Sender
	logger   *zap.Logger
	sinks    []ProgressFunc
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithProgress subscribes sink to every completed step.
func WithProgress(sink ProgressFunc) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

func New(renderer Renderer, sender mailer.Sender, opts ...Option) *Orchestrator {
	o := &Orchestrator{renderer: renderer, sender: sender, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Steps processes the eligible rows of r in order, yielding after each one.
// Rows run strictly one at a time. A cancelled ctx stops the sequence before
// the next row starts; the row in flight still releases its copy.
func (o *Orchestrator) Steps(ctx context.Context, r roster.Roster, src docstore.SourceID, tmpl models.Template) iter.Seq[Step] {
	return func(yield func(Step) bool) {
		eligible := r.Eligible()
		for i, rec := range eligible {
			if ctx.Err() != nil {
				o.logger.Info("batch stopped", zap.Int("remaining", len(eligible)-i), zap.Error(context.Cause(ctx)))
				return
			}
			step := Step{Recipient: rec, Position: i + 1, Eligible: len(eligible)}
			if err := o.process(ctx, src, tmpl, rec); err != nil {
				step.Err = err
			}
			if !yield(step) {
				return
			}
		}
	}
}

// Run drives Steps to completion and returns the summary. Individual row
// failures are collected, never returned; Run stops early only when ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, r roster.Roster, src docstore.SourceID, tmpl models.Template) models.BatchRun {
	run := models.BatchRun{Total: r.Total(), Failed: []models.Failure{}}
	for step := range o.Steps(ctx, r, src, tmpl) {
		run.Processed++
		if step.Err != nil {
			run.Failed = append(run.Failed, step.Err.Failure())
			o.logger.Warn("recipient failed",
				zap.Int("recipient_index", step.Recipient.Index),
				zap.String("kind", string(step.Err.Kind)),
				zap.Error(step.Err.Err))
		} else {
			run.Succeeded++
		}
		for _, sink := range o.sinks {
			sink(step.Fraction(), step.Label())
		}
	}
	o.logger.Info("batch finished",
		zap.Int("total", run.Total),
		zap.Int("processed", run.Processed),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", len(run.Failed)))
	return run
}

func (o *Orchestrator) process(ctx context.Context, src docstore.SourceID, tmpl models.Template, rec models.Recipient) *RecipientError {
	text := render.Render(tmpl, rec)
	doc, err := o.renderer.Render(ctx, src, rec)
	if err != nil {
		return recipientError(rec, err, models.ExportError)
	}
	if err := o.sender.Send(ctx, rec, text.Subject, text.Body, doc.Content, doc.Name); err != nil {
		return recipientError(rec, err, models.DeliveryError)
	}
	return nil
}
