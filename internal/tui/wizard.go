package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"taskmarket/backend"
	"taskmarket/internal/draft"
	"taskmarket/internal/utils"
)

type wizardStep int

const (
	stepTitle wizardStep = iota
	stepDescription
	stepBudget
	stepRemoval
	stepPickup
	stepDelivery
	stepCategory
	stepDate
	stepReview
)

var stepPrompts = map[wizardStep]string{
	stepTitle:       "What do you need done?",
	stepDescription: "Describe the task",
	stepBudget:      "Budget",
	stepRemoval:     "Is this a removal? (y/n)",
	stepPickup:      "Pickup address",
	stepDelivery:    "Delivery address",
	stepCategory:    "Category",
	stepDate:        "Date (YYYY-MM-DD, today, tomorrow, +3d; empty for flexible)",
	stepReview:      "Review",
}

// wizard walks through the create-task form. Every answer is written to the
// draft store, so leaving and reopening the wizard resumes where it stopped.
type wizard struct {
	drafts     *draft.Store
	step       wizardStep
	err        string
	submitting bool
}

func newWizard(drafts *draft.Store) *wizard {
	return &wizard{drafts: drafts}
}

// load fills the input with the draft's current answer for the step.
func (w *wizard) load(ti *textinput.Model) {
	d := w.drafts.Current()
	ti.Reset()
	ti.Placeholder = ""
	value := ""
	switch w.step {
	case stepTitle:
		value = d.Title
	case stepDescription:
		value = d.Description
	case stepBudget:
		if d.Budget > 0 {
			value = strconv.FormatFloat(d.Budget, 'f', -1, 64)
		}
	case stepRemoval:
		value = "n"
		if d.IsRemoval {
			value = "y"
		}
	case stepPickup, stepDelivery:
		if loc, ok := d.Location().(draft.RemovalLocation); ok {
			l := loc.Pickup
			if w.step == stepDelivery {
				l = loc.Delivery
			}
			if l != nil {
				value = l.Address
			}
		}
	case stepCategory:
		if loc, ok := d.Location().(draft.ServiceLocation); ok {
			value = loc.Category
		}
	case stepDate:
		value = d.Date
	}
	ti.SetValue(value)
	if w.step == stepReview {
		ti.Blur()
	} else {
		ti.Focus()
	}
}

// patch converts the answer for the current step into a draft patch.
func (w *wizard) patch(value string) (draft.Patch, error) {
	value = strings.TrimSpace(value)
	switch w.step {
	case stepTitle:
		return draft.Patch{Title: draft.Ptr(value)}, nil
	case stepDescription:
		return draft.Patch{Description: draft.Ptr(value)}, nil
	case stepBudget:
		budget, err := utils.ParseBudget(value, w.drafts.Rules().MinBudget)
		if err != nil {
			return draft.Patch{}, err
		}
		return draft.Patch{Budget: draft.Ptr(budget)}, nil
	case stepRemoval:
		switch strings.ToLower(value) {
		case "y", "yes":
			return draft.Patch{IsRemoval: draft.Ptr(true)}, nil
		case "n", "no", "":
			return draft.Patch{IsRemoval: draft.Ptr(false)}, nil
		}
		return draft.Patch{}, fmt.Errorf("answer y or n")
	case stepPickup:
		return draft.Patch{Pickup: &backend.Location{Address: value}}, nil
	case stepDelivery:
		return draft.Patch{Delivery: &backend.Location{Address: value}}, nil
	case stepCategory:
		return draft.Patch{Category: draft.Ptr(value)}, nil
	case stepDate:
		if value == "" {
			return draft.Patch{Date: draft.Ptr("")}, nil
		}
		date, err := utils.NormalizeDate(value)
		if err != nil {
			return draft.Patch{}, err
		}
		return draft.Patch{Date: draft.Ptr(date)}, nil
	}
	return draft.Patch{}, nil
}

func (w *wizard) next() {
	removal := w.drafts.Current().IsRemoval
	switch w.step {
	case stepRemoval:
		if removal {
			w.step = stepPickup
		} else {
			w.step = stepCategory
		}
	case stepDelivery, stepCategory:
		w.step = stepDate
	default:
		w.step++
	}
}

func (w *wizard) back() {
	removal := w.drafts.Current().IsRemoval
	switch w.step {
	case stepTitle:
	case stepCategory:
		w.step = stepRemoval
	case stepDate:
		if removal {
			w.step = stepDelivery
		} else {
			w.step = stepCategory
		}
	default:
		w.step--
	}
}

func (m *Model) submitDraft() tea.Cmd {
	return func() tea.Msg {
		task, err := m.engine.SubmitDraft(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return taskSubmittedMsg{task}
	}
}

func (m *Model) handleWizardMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	w := m.wizard

	switch msg.Type {
	case tea.KeyEsc:
		// Esc abandons the task; the draft is discarded.
		if err := w.drafts.Discard(context.Background()); err != nil {
			m.message = "Error: " + err.Error()
		} else {
			m.message = "Draft discarded"
		}
		m.mode = ModeNormal
		m.wizard = nil
		return m, nil

	case tea.KeyShiftTab:
		w.err = ""
		w.back()
		w.load(&m.textInput)
		return m, nil

	case tea.KeyCtrlS:
		// Leave the wizard and keep the draft for later.
		m.mode = ModeNormal
		m.wizard = nil
		m.message = "Draft saved"
		return m, nil

	case tea.KeyEnter:
		if w.step == stepReview {
			if w.submitting {
				return m, nil
			}
			if missing := w.drafts.Missing(); len(missing) > 0 {
				w.err = "Missing: " + strings.Join(missing, "; ")
				return m, nil
			}
			w.submitting = true
			w.err = ""
			return m, m.submitDraft()
		}
		p, err := w.patch(m.textInput.Value())
		if err != nil {
			w.err = firstLine(err.Error())
			return m, nil
		}
		if err := w.drafts.Update(context.Background(), p); err != nil {
			w.err = firstLine(err.Error())
			return m, nil
		}
		w.err = ""
		w.next()
		w.load(&m.textInput)
		return m, nil
	}

	if w.step != stepReview {
		m.textInput, cmd = m.textInput.Update(msg)
	}
	return m, cmd
}

func (w *wizard) view(m *Model) string {
	var b strings.Builder
	b.WriteString("New task\n\n")
	b.WriteString(stepPrompts[w.step] + "\n\n")

	if w.step == stepReview {
		b.WriteString(renderDraft(w.drafts.Current()))
	} else {
		b.WriteString(m.textInput.View())
	}
	b.WriteString("\n")

	if w.submitting && w.err == "" {
		b.WriteString("\nPosting...\n")
	}
	if w.err != "" {
		b.WriteString("\n" + m.errorStyle.Render(w.err) + "\n")
	}

	help := "Enter: next  Shift+Tab: back  Ctrl+S: save for later  Esc: discard"
	if w.step == stepReview {
		help = "Enter: post task  Shift+Tab: back  Ctrl+S: save for later  Esc: discard"
	}
	b.WriteString("\n" + m.helpStyle.Render(help))
	return b.String()
}

func renderDraft(d draft.Draft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title:       %s\n", d.Title)
	fmt.Fprintf(&b, "Description: %s\n", d.Description)
	fmt.Fprintf(&b, "Budget:      $%.2f\n", d.Budget)
	switch loc := d.Location().(type) {
	case draft.RemovalLocation:
		fmt.Fprintf(&b, "Pickup:      %s\n", address(loc.Pickup))
		fmt.Fprintf(&b, "Delivery:    %s\n", address(loc.Delivery))
	case draft.ServiceLocation:
		fmt.Fprintf(&b, "Category:    %s\n", loc.Category)
	}
	date := d.Date
	if date == "" {
		date = "flexible"
	}
	fmt.Fprintf(&b, "Date:        %s\n", date)
	return b.String()
}

func address(l *backend.Location) string {
	if l == nil {
		return ""
	}
	return l.Address
}
