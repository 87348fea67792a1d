// Package prompt handles interactive prompts with no-prompt mode support.
// It provides task selection, interactive drafting of a new task and hidden
// password entry.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"taskmarket/backend"
	"taskmarket/internal/draft"
	"taskmarket/internal/utils"
)

// Sentinel errors for prompt operations.
var (
	ErrSelectionCancelled = errors.New("selection cancelled")
	ErrNoPromptMode       = errors.New("interactive prompts disabled (--no-prompt / -y)")
	ErrNoTasks            = errors.New("no tasks available")
	ErrNoMatches          = errors.New("no tasks match the filter")
)

// TaskSelector lets the user narrow a task listing by title and pick one.
type TaskSelector struct {
	Tasks    []backend.Task
	Prompt   string
	Reader   io.Reader
	Writer   io.Writer
	NoPrompt bool
}

// Run executes the task selection prompt.
// If NoPrompt is true, returns ErrNoPromptMode.
// If there is exactly one task, auto-selects it.
func (s *TaskSelector) Run() (*backend.Task, error) {
	if s.NoPrompt {
		return nil, ErrNoPromptMode
	}

	if len(s.Tasks) == 0 {
		return nil, ErrNoTasks
	}

	if len(s.Tasks) == 1 {
		return &s.Tasks[0], nil
	}

	writer := s.Writer
	if writer == nil {
		writer = io.Discard
	}

	scanner := bufio.NewScanner(s.Reader)

	_, _ = fmt.Fprintf(writer, "%s\nFilter (or press Enter to show all): ", s.Prompt)
	if !scanner.Scan() {
		return nil, ErrSelectionCancelled
	}
	filter := strings.TrimSpace(scanner.Text())

	var filtered []backend.Task
	if filter == "" {
		filtered = s.Tasks
	} else {
		filterLower := strings.ToLower(filter)
		for _, t := range s.Tasks {
			if strings.Contains(strings.ToLower(t.Title), filterLower) {
				filtered = append(filtered, t)
			}
		}
	}

	if len(filtered) == 0 {
		return nil, ErrNoMatches
	}

	if len(filtered) == 1 {
		_, _ = fmt.Fprintf(writer, "Auto-selected: %s\n", filtered[0].Title)
		return &filtered[0], nil
	}

	for i, t := range filtered {
		_, _ = fmt.Fprintf(writer, "  %d) %s\n", i+1, FormatTaskLine(t))
	}

	_, _ = fmt.Fprintf(writer, "Select (0 to cancel): ")
	if !scanner.Scan() {
		return nil, ErrSelectionCancelled
	}

	input := strings.TrimSpace(scanner.Text())
	num, err := strconv.Atoi(input)
	if err != nil {
		return nil, fmt.Errorf("invalid selection: %s", input)
	}

	if num == 0 {
		return nil, ErrSelectionCancelled
	}

	if num < 1 || num > len(filtered) {
		return nil, fmt.Errorf("selection out of range: %d", num)
	}

	return &filtered[num-1], nil
}

// FormatTaskLine formats a task for a selection list: title, status, budget,
// offer count and when it is due.
func FormatTaskLine(t backend.Task) string {
	meta := []string{string(t.Status), fmt.Sprintf("$%.2f", t.Budget)}
	if t.OfferCount > 0 {
		meta = append(meta, fmt.Sprintf("%d offers", t.OfferCount))
	}
	if t.Date != "" {
		meta = append(meta, "on "+t.Date)
	}
	if t.Category != "" {
		meta = append(meta, t.Category)
	}
	return fmt.Sprintf("%s [%s]", t.Title, strings.Join(meta, ", "))
}

// FilterTasksByAction returns the tasks an action can apply to. Offers and
// edits only make sense on open tasks; other actions see everything.
// showAll disables the filter.
func FilterTasksByAction(tasks []backend.Task, action string, showAll bool) []backend.Task {
	openOnly := map[string]bool{
		"offer": true,
		"edit":  true,
	}

	if showAll || !openOnly[action] {
		result := make([]backend.Task, len(tasks))
		copy(result, tasks)
		return result
	}

	var filtered []backend.Task
	for _, t := range tasks {
		if t.Status == backend.StatusOpen {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// InteractiveDrafter asks for each field of a new task and returns the
// answers as a draft patch. Current supplies defaults shown in brackets;
// pressing Enter keeps them.
type InteractiveDrafter struct {
	Reader    io.Reader
	Writer    io.Writer
	NoPrompt  bool
	Current   draft.Draft
	MinBudget float64
}

// Run executes the interactive drafting prompts.
func (a *InteractiveDrafter) Run() (draft.Patch, error) {
	if a.NoPrompt {
		return draft.Patch{}, ErrNoPromptMode
	}

	writer := a.Writer
	if writer == nil {
		writer = io.Discard
	}
	scanner := bufio.NewScanner(a.Reader)
	cur := a.Current

	ask := func(label, def string) (string, bool) {
		if def != "" {
			_, _ = fmt.Fprintf(writer, "%s [%s]: ", label, def)
		} else {
			_, _ = fmt.Fprintf(writer, "%s: ", label)
		}
		if !scanner.Scan() {
			return def, false
		}
		v := strings.TrimSpace(scanner.Text())
		if v == "" {
			return def, true
		}
		return v, true
	}

	var p draft.Patch

	// Title (required)
	for {
		v, ok := ask("Title (required)", cur.Title)
		if !ok && v == "" {
			return draft.Patch{}, errors.New("no input for title")
		}
		if v != "" {
			p.Title = draft.Ptr(v)
			break
		}
		_, _ = fmt.Fprintln(writer, "Title cannot be empty.")
	}

	if v, ok := ask("Description", cur.Description); ok || v != "" {
		p.Description = draft.Ptr(v)
	}

	// Budget, validated against the minimum
	def := ""
	if cur.Budget > 0 {
		def = strconv.FormatFloat(cur.Budget, 'f', -1, 64)
	}
	for {
		v, ok := ask(fmt.Sprintf("Budget (at least %.2f)", a.MinBudget), def)
		if v == "" {
			break
		}
		b, err := utils.ParseBudget(v, a.MinBudget)
		if err != nil {
			_, _ = fmt.Fprintf(writer, "Invalid budget: %s\n", v)
			if !ok {
				break
			}
			continue
		}
		p.Budget = draft.Ptr(b)
		break
	}

	removalDef := "n"
	if cur.IsRemoval {
		removalDef = "y"
	}
	v, _ := ask("Removal task? (y/n)", removalDef)
	removal := strings.HasPrefix(strings.ToLower(v), "y")
	p.IsRemoval = draft.Ptr(removal)

	if removal {
		var pickup, delivery string
		if loc, ok := cur.Location().(draft.RemovalLocation); ok {
			if loc.Pickup != nil {
				pickup = loc.Pickup.Address
			}
			if loc.Delivery != nil {
				delivery = loc.Delivery.Address
			}
		}
		if v, _ := ask("Pickup address", pickup); v != "" {
			p.Pickup = &backend.Location{Address: v}
		}
		if v, _ := ask("Delivery address", delivery); v != "" {
			p.Delivery = &backend.Location{Address: v}
		}
	} else {
		category := ""
		if loc, ok := cur.Location().(draft.ServiceLocation); ok {
			category = loc.Category
		}
		if v, _ := ask("Category", category); v != "" {
			p.Category = draft.Ptr(v)
		}
	}

	for {
		v, ok := ask("Date (YYYY-MM-DD, today, tomorrow, +Nd, optional)", cur.Date)
		if v == "" {
			break
		}
		d, err := utils.NormalizeDate(v)
		if err != nil {
			_, _ = fmt.Fprintf(writer, "Invalid date: %s. Use YYYY-MM-DD, today, tomorrow, +Nd, +Nw\n", v)
			if !ok {
				break
			}
			continue
		}
		p.Date = draft.Ptr(d)
		break
	}

	for {
		v, ok := ask("Time (HH:MM, optional)", cur.Time)
		if v == "" {
			break
		}
		t, err := utils.NormalizeTime(v)
		if err != nil {
			_, _ = fmt.Fprintf(writer, "Invalid time: %s. Use HH:MM\n", v)
			if !ok {
				break
			}
			continue
		}
		p.Time = draft.Ptr(t)
		break
	}

	return p, nil
}

// ReadPassword reads a password. On a terminal input is hidden; otherwise a
// single line is read from r.
func ReadPassword(r io.Reader, w io.Writer, label string, noPrompt bool) (string, error) {
	if noPrompt {
		return "", ErrNoPromptMode
	}
	if w == nil {
		w = io.Discard
	}
	_, _ = fmt.Fprint(w, label)

	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return "", errors.New("no password given")
	}
	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}
