// Package wizard drives the four-step authoring flow. Forward movement is
// gated on the current step's validity; backward movement and forced jumps
// (used when editing an existing contribution) never validate.
package wizard

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	StepDetails  = 1
	StepGeometry = 2
	StepAssets   = 3
	StepReview   = 4
)

const (
	maxMetaLen        = 160
	maxDescriptionLen = 500
)

// Fields exposes the draft values the gates read. The authoring draft
// implements it.
type Fields interface {
	ProjectName() string
	Category() string
	OfficialURL() string
	Meta() string
	Description() string
	HasGeometry() bool
	DrawPending() bool
}

// Hooks run on step entry. EnterGeometry reapplies the capture mode and is
// told whether this is the first visit so the surface can lazy-load once.
// EnterReview refreshes the dossier list for the current project name.
type Hooks interface {
	EnterGeometry(ctx context.Context, firstVisit bool) error
	EnterReview(ctx context.Context, projectName string) error
}

type NopHooks struct{}

func (NopHooks) EnterGeometry(context.Context, bool) error { return nil }
func (NopHooks) EnterReview(context.Context, string) error { return nil }

// ValidationError names the field blocking forward movement.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type Machine struct {
	fields Fields
	hooks  Hooks

	step            int
	visitedGeometry bool
}

func NewMachine(fields Fields, hooks Hooks) *Machine {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Machine{fields: fields, hooks: hooks, step: StepDetails}
}

func (m *Machine) Step() int {
	return m.step
}

// Next validates the current step and advances. At the last step it is a
// no-op.
func (m *Machine) Next(ctx context.Context) error {
	if m.step >= StepReview {
		return nil
	}
	if err := m.Validate(m.step); err != nil {
		return err
	}
	return m.enter(ctx, m.step+1)
}

// Back moves one step towards the start without validating.
func (m *Machine) Back(ctx context.Context) error {
	if m.step <= StepDetails {
		return nil
	}
	return m.enter(ctx, m.step-1)
}

// SetStep jumps without validating. Editing an existing contribution opens
// the wizard directly on the requested step.
func (m *Machine) SetStep(ctx context.Context, step int) error {
	if step < StepDetails {
		step = StepDetails
	}
	if step > StepReview {
		step = StepReview
	}
	return m.enter(ctx, step)
}

func (m *Machine) enter(ctx context.Context, step int) error {
	switch step {
	case StepGeometry:
		first := !m.visitedGeometry
		m.visitedGeometry = true
		if err := m.hooks.EnterGeometry(ctx, first); err != nil {
			return fmt.Errorf("enter geometry step: %w", err)
		}
	case StepReview:
		if err := m.hooks.EnterReview(ctx, m.fields.ProjectName()); err != nil {
			return fmt.Errorf("enter review step: %w", err)
		}
	}
	m.step = step
	return nil
}

// Validate checks the gate for leaving a step.
func (m *Machine) Validate(step int) error {
	switch step {
	case StepDetails:
		if strings.TrimSpace(m.fields.ProjectName()) == "" {
			return &ValidationError{Field: "projectName", Reason: "required"}
		}
		if m.fields.Category() == "" {
			return &ValidationError{Field: "category", Reason: "required"}
		}
		if raw := strings.TrimSpace(m.fields.OfficialURL()); raw != "" {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return &ValidationError{Field: "officialUrl", Reason: "must be an http(s) URL"}
			}
		}
		if utf8.RuneCountInString(m.fields.Meta()) > maxMetaLen {
			return &ValidationError{Field: "meta", Reason: fmt.Sprintf("at most %d characters", maxMetaLen)}
		}
		if utf8.RuneCountInString(m.fields.Description()) > maxDescriptionLen {
			return &ValidationError{Field: "description", Reason: fmt.Sprintf("at most %d characters", maxDescriptionLen)}
		}
	case StepGeometry:
		if m.fields.DrawPending() {
			return &ValidationError{Field: "geometry", Reason: "finish the drawing first"}
		}
		if !m.fields.HasGeometry() {
			return &ValidationError{Field: "geometry", Reason: "required"}
		}
	}
	return nil
}

// CanAdvance reports whether Next would succeed from the current step.
func (m *Machine) CanAdvance() bool {
	if m.step >= StepReview {
		return false
	}
	return m.Validate(m.step) == nil
}
