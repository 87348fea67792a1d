// Package tui provides the terminal interface: a task board that stays in
// sync with the cache, and the create-task wizard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"taskmarket/backend"
	"taskmarket/internal/cache"
	"taskmarket/internal/draft"
	"taskmarket/internal/engine"
	"taskmarket/internal/utils"
)

// Engine is the subset of engine.Engine the interface uses.
type Engine interface {
	Watch(key cache.Key, fn func(cache.Entry)) (*engine.Subscription, error)
	Refresh(ctx context.Context, key cache.Key) error
	UpdateTask(ctx context.Context, id string, update backend.TaskUpdate) (*backend.Task, error)
	SubmitDraft(ctx context.Context) (*backend.Task, error)
	Drafts() *draft.Store
}

// Focus indicates which pane has focus
type Focus int

const (
	FocusFilters Focus = iota
	FocusTasks
)

// Mode indicates the current input mode
type Mode int

const (
	ModeNormal Mode = iota
	ModeEdit
	ModeSearch
	ModeHelp
	ModeWizard
)

// statusFilter is one entry of the left pane.
type statusFilter struct {
	name   string
	status backend.TaskStatus
}

var statusFilters = []statusFilter{
	{"Open", backend.StatusOpen},
	{"Assigned", backend.StatusAssigned},
	{"Completed", backend.StatusCompleted},
	{"All", ""},
}

// Model represents the TUI state
type Model struct {
	engine Engine
	ctx    context.Context

	// Data
	entry cache.Entry
	tasks []backend.Task
	sub   *engine.Subscription
	box   *mailbox
	gen   int

	// Selection
	filterCursor int
	taskCursor   int
	focus        Focus
	search       string

	// Mode and input
	mode      Mode
	textInput textinput.Model
	wizard    *wizard
	message   string

	// UI dimensions
	width  int
	height int

	// Styles
	paneStyle      lipgloss.Style
	selectedStyle  lipgloss.Style
	mutedStyle     lipgloss.Style
	errorStyle     lipgloss.Style
	helpStyle      lipgloss.Style
	dialogStyle    lipgloss.Style
	statusBarStyle lipgloss.Style
}

// Message types
type entryMsg struct {
	gen   int
	entry cache.Entry
}

type mailboxClosedMsg struct{}

type taskUpdatedMsg struct {
	task *backend.Task
}

type taskSubmittedMsg struct {
	task *backend.Task
}

type errMsg struct {
	err error
}

// mailbox keeps the latest cache entry delivered by a subscription. Bursts
// of updates collapse into one message.
type mailbox struct {
	mu     sync.Mutex
	latest cache.Entry
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (b *mailbox) put(e cache.Entry) {
	b.mu.Lock()
	b.latest = e
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) close() {
	b.once.Do(func() { close(b.done) })
}

// wait returns a command delivering the next entry.
func (b *mailbox) wait(gen int) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-b.signal:
			b.mu.Lock()
			e := b.latest
			b.mu.Unlock()
			return entryMsg{gen: gen, entry: e}
		case <-b.done:
			return mailboxClosedMsg{}
		}
	}
}

// New creates a new TUI model
func New(e Engine) *Model {
	ti := textinput.New()
	ti.Placeholder = "Enter text..."
	ti.CharLimit = 512

	return &Model{
		engine:    e,
		ctx:       context.Background(),
		textInput: ti,
		focus:     FocusTasks,
		mode:      ModeNormal,
		paneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		mutedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
}

// Init initializes the TUI
func (m *Model) Init() tea.Cmd {
	return m.watch()
}

// Close releases the board subscription. Call it after the program exits.
func (m *Model) Close() {
	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
	}
	if m.box != nil {
		m.box.close()
		m.box = nil
	}
}

// filter returns the listing filter for the current selection.
func (m *Model) filter() backend.TaskFilter {
	return backend.TaskFilter{Status: statusFilters[m.filterCursor].status, Search: m.search}
}

// watch replaces the board subscription with one for the current filter.
func (m *Model) watch() tea.Cmd {
	m.Close()
	m.gen++
	box := newMailbox()
	sub, err := m.engine.Watch(engine.TasksKey(m.filter()), box.put)
	if err != nil {
		return func() tea.Msg { return errMsg{err} }
	}
	m.sub, m.box = sub, box
	return box.wait(m.gen)
}

func (m *Model) refresh() tea.Cmd {
	key := engine.TasksKey(m.filter())
	return func() tea.Msg {
		if err := m.engine.Refresh(m.ctx, key); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) updateTitle(id, title string) tea.Cmd {
	return func() tea.Msg {
		updated, err := m.engine.UpdateTask(m.ctx, id, backend.TaskUpdate{Title: &title})
		if err != nil {
			return errMsg{err}
		}
		return taskUpdatedMsg{updated}
	}
}

func (m *Model) selected() (backend.Task, bool) {
	if m.taskCursor < 0 || m.taskCursor >= len(m.tasks) {
		return backend.Task{}, false
	}
	return m.tasks[m.taskCursor], true
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case entryMsg:
		if msg.gen != m.gen || m.box == nil {
			return m, nil
		}
		m.entry = msg.entry
		if tasks, ok := msg.entry.Data.([]backend.Task); ok {
			m.tasks = tasks
		} else if msg.entry.Data == nil {
			m.tasks = nil
		}
		if m.taskCursor >= len(m.tasks) {
			m.taskCursor = max(len(m.tasks)-1, 0)
		}
		return m, m.box.wait(m.gen)

	case mailboxClosedMsg:
		return m, nil

	case taskUpdatedMsg:
		m.message = fmt.Sprintf("Saved %q", msg.task.Title)
		return m, nil

	case taskSubmittedMsg:
		m.mode = ModeNormal
		m.wizard = nil
		m.message = fmt.Sprintf("Posted %q (%s)", msg.task.Title, msg.task.ID)
		return m, nil

	case errMsg:
		m.message = "Error: " + firstLine(utils.Explain(msg.err).Error())
		if m.wizard != nil {
			m.wizard.err = m.message
			m.wizard.submitting = false
		}
		return m, nil

	case tea.KeyMsg:
		// Handle mode-specific input
		switch m.mode {
		case ModeEdit:
			return m.handleEditMode(msg)
		case ModeSearch:
			return m.handleSearchMode(msg)
		case ModeHelp:
			return m.handleHelpMode(msg)
		case ModeWizard:
			return m.handleWizardMode(msg)
		}

		// Normal mode key handling
		switch msg.String() {
		case "q", "ctrl+c":
			m.Close()
			return m, tea.Quit

		case "tab":
			if m.focus == FocusFilters {
				m.focus = FocusTasks
			} else {
				m.focus = FocusFilters
			}
			return m, nil

		case "up", "k":
			if m.focus == FocusFilters {
				if m.filterCursor > 0 {
					m.filterCursor--
					m.taskCursor = 0
					return m, m.watch()
				}
			} else if m.taskCursor > 0 {
				m.taskCursor--
			}
			return m, nil

		case "down", "j":
			if m.focus == FocusFilters {
				if m.filterCursor < len(statusFilters)-1 {
					m.filterCursor++
					m.taskCursor = 0
					return m, m.watch()
				}
			} else if m.taskCursor < len(m.tasks)-1 {
				m.taskCursor++
			}
			return m, nil

		case "r":
			m.message = "Refreshing..."
			return m, m.refresh()

		case "e":
			if task, ok := m.selected(); ok {
				m.mode = ModeEdit
				m.textInput.Reset()
				m.textInput.SetValue(task.Title)
				m.textInput.Focus()
				return m, textinput.Blink
			}
			return m, nil

		case "n":
			m.wizard = newWizard(m.engine.Drafts())
			m.mode = ModeWizard
			m.wizard.load(&m.textInput)
			return m, textinput.Blink

		case "/":
			m.mode = ModeSearch
			m.textInput.Reset()
			m.textInput.Placeholder = "Search titles..."
			m.textInput.SetValue(m.search)
			m.textInput.Focus()
			return m, textinput.Blink

		case "?":
			m.mode = ModeHelp
			return m, nil
		}
	}

	if m.mode == ModeEdit || m.mode == ModeSearch || m.mode == ModeWizard {
		m.textInput, cmd = m.textInput.Update(msg)
	}
	return m, cmd
}

func (m *Model) handleEditMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEnter:
		value := strings.TrimSpace(m.textInput.Value())
		m.mode = ModeNormal
		if task, ok := m.selected(); ok && value != "" && value != task.Title {
			return m, m.updateTitle(task.ID, value)
		}
		return m, nil

	case tea.KeyEsc:
		m.mode = ModeNormal
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) handleSearchMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEnter:
		m.search = strings.TrimSpace(m.textInput.Value())
		m.mode = ModeNormal
		m.taskCursor = 0
		return m, m.watch()

	case tea.KeyEsc:
		m.mode = ModeNormal
		if m.search == "" {
			return m, nil
		}
		m.search = ""
		return m, m.watch()
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) handleHelpMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyEnter:
		m.mode = ModeNormal
		return m, nil
	}

	if msg.String() == "q" || msg.String() == "?" {
		m.mode = ModeNormal
	}
	return m, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// View renders the TUI
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		m.width = 80
		m.height = 24
	}

	switch m.mode {
	case ModeEdit:
		return m.renderInputDialog("Edit title", "Enter: save  Esc: cancel")
	case ModeSearch:
		return m.renderInputDialog("Search tasks", "Enter: search  Esc: clear")
	case ModeHelp:
		return m.centerDialog(m.dialogStyle.Render(helpText))
	case ModeWizard:
		return m.centerDialog(m.dialogStyle.Render(m.wizard.view(m)))
	}

	filterWidth := m.width / 4
	taskWidth := m.width - filterWidth - 4

	filterPane := m.paneStyle.Width(filterWidth).Height(m.height - 4).Render(m.renderFilterPane(filterWidth - 4))
	taskPane := m.paneStyle.Width(taskWidth).Height(m.height - 4).Render(m.renderTaskPane(taskWidth - 4))

	var b strings.Builder
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, filterPane, taskPane))
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderFilterPane(width int) string {
	var b strings.Builder
	b.WriteString("Status\n")
	b.WriteString(strings.Repeat("─", max(width, 1)))
	b.WriteString("\n")

	for i, f := range statusFilters {
		cursor := " "
		name := f.name
		if i == m.filterCursor {
			cursor = ">"
			if m.focus == FocusFilters {
				name = m.selectedStyle.Render(name)
			}
		}
		b.WriteString(cursor + " " + name + "\n")
	}
	return b.String()
}

func (m *Model) renderTaskPane(width int) string {
	var b strings.Builder
	header := "Tasks"
	if m.search != "" {
		header += " matching " + fmt.Sprintf("%q", m.search)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(width, 1)))
	b.WriteString("\n")

	if len(m.tasks) == 0 {
		switch m.entry.Status {
		case cache.StatusIdle, cache.StatusLoading:
			b.WriteString("Loading...\n")
		case cache.StatusError:
			b.WriteString(m.errorStyle.Render("Could not load tasks: "+firstLine(utils.Explain(m.entry.Err).Error())) + "\n")
		default:
			b.WriteString("No tasks\n")
		}
		return b.String()
	}

	for i, task := range m.tasks {
		cursor := " "
		title := task.Title
		if i == m.taskCursor && m.focus == FocusTasks {
			cursor = ">"
			title = m.selectedStyle.Render(title)
		}
		detail := fmt.Sprintf("$%.2f", task.Budget)
		if task.OfferCount > 0 {
			detail += fmt.Sprintf(", %d offers", task.OfferCount)
		}
		b.WriteString(fmt.Sprintf("%s [%s] %s %s\n", cursor, task.Status, title, m.mutedStyle.Render(detail)))
	}
	return b.String()
}

func (m *Model) renderStatusBar() string {
	left := statusFilters[m.filterCursor].name
	switch {
	case m.entry.Status == cache.StatusError && len(m.tasks) > 0:
		left += " (offline, showing saved data)"
	case m.entry.Fetching:
		left += " (refreshing)"
	case m.entry.Invalidated:
		left += " (outdated)"
	}
	if m.message != "" {
		left += "  " + m.message
	}

	right := "n:new  r:refresh  q:quit  ?:help"
	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}
	return m.statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", padding) + right)
}

func (m *Model) renderInputDialog(title, help string) string {
	dialog := m.dialogStyle.Render(
		title + "\n\n" +
			m.textInput.View() + "\n\n" +
			m.helpStyle.Render(help),
	)
	return m.centerDialog(dialog)
}

const helpText = `Help - Key Bindings

Navigation:
  j/↓    Move down
  k/↑    Move up
  Tab    Switch focus between status and tasks

Actions:
  n      New task (resumes a saved draft)
  e      Edit selected task title
  r      Refresh
  /      Search tasks

General:
  ?      Show this help
  q      Quit

Press Esc to close`

func (m *Model) centerDialog(dialog string) string {
	lines := strings.Split(dialog, "\n")
	dialogHeight := len(lines)
	dialogWidth := 0
	for _, line := range lines {
		if w := lipgloss.Width(line); w > dialogWidth {
			dialogWidth = w
		}
	}

	topPad := max((m.height-dialogHeight)/2, 0)
	leftPad := max((m.width-dialogWidth)/2, 0)

	var b strings.Builder
	for i := 0; i < topPad; i++ {
		b.WriteString("\n")
	}
	for _, line := range lines {
		b.WriteString(strings.Repeat(" ", leftPad))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
