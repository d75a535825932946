// Package tui renders a live view of a workflow run from the event bus.
package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/selfheal/internal/events"
	"github.com/aristath/selfheal/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneNodes PaneID = iota
	PaneDAG
	paneCount
)

// DoneMsg tells the model the run has finished.
type DoneMsg struct {
	Result *scheduler.Result
	Err    error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	nodePane    NodePaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	done        *DoneMsg
}

// New creates a new TUI model following one workflow's events, or every
// event on the bus when workflowID is empty.
func New(eventBus *events.EventBus, workflowID string) Model {
	sub := eventBus.SubscribeAll(256)
	if workflowID != "" {
		sub = eventBus.SubscribeWorkflow(workflowID, 256)
	}
	m := Model{
		nodePane:    NewNodePaneModel(),
		dagPane:     NewDAGPaneModel(),
		focusedPane: PaneNodes,
		eventSub:    sub,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneNodes
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PaneNodes:
				var cmd tea.Cmd
				m.nodePane, cmd = m.nodePane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneDAG:
				var cmd tea.Cmd
				m.dagPane, cmd = m.dagPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.TaskStartedEvent, events.TaskCompletedEvent, events.TaskFailedEvent:
		var cmd tea.Cmd
		m.nodePane, cmd = m.nodePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.RecoveryAttemptedEvent, events.RecoveryExhaustedEvent, events.RecoverySucceededEvent:
		// Recovery events feed both the node log and the DAG counters
		var cmd tea.Cmd
		m.nodePane, cmd = m.nodePane.Update(msg)
		cmds = append(cmds, cmd)
		m.dagPane, cmd = m.dagPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.DAGProgressEvent:
		var cmd tea.Cmd
		m.dagPane, cmd = m.dagPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case DoneMsg:
		m.done = &msg
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.nodePane.View(), m.dagPane.View())

	footer := HelpView(m.done != nil)
	if m.done != nil {
		footer = lipgloss.JoinVertical(lipgloss.Left, m.summary(), footer)
	}
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, footer)
}

func (m Model) summary() string {
	if m.done.Result == nil {
		return StyleStatusFailed.Render(fmt.Sprintf("run failed: %v", m.done.Err))
	}
	res := m.done.Result
	recovered := 0
	for _, rec := range res.Recoveries {
		if rec.Succeeded {
			recovered++
		}
	}
	line := fmt.Sprintf("%s in %v: %d completed, %d failed, %d skipped, %d recovered",
		res.Status, res.Duration.Round(time.Millisecond), len(res.Completed), len(res.Failed), len(res.Skipped), recovered)
	switch res.Status {
	case scheduler.StatusSucceeded:
		return StyleStatusComplete.Render(line)
	case scheduler.StatusPartial:
		return StyleStatusRunning.Render(line)
	default:
		return StyleStatusFailed.Render(line)
	}
}

// Done reports whether the run has finished.
func (m Model) Done() bool {
	return m.done != nil
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // help bar and summary

	m.nodePane.SetSize(leftWidth, availableHeight)
	m.dagPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.nodePane.SetFocused(m.focusedPane == PaneNodes)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
