package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/selfheal/internal/events"
)

// Node display states.
const (
	StateRunning    = "running"
	StateRecovering = "recovering"
	StateCompleted  = "completed"
	StateRecovered  = "recovered"
	StateFailed     = "failed"
)

const listWidth = 25

// NodeState is what the pane knows about one node.
type NodeState struct {
	ID        string
	Name      string
	AgentRef  string
	Status    string
	AtRisk    bool
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// NodePaneModel lists dispatched nodes and shows the selected node's log.
type NodePaneModel struct {
	nodes       map[string]*NodeState
	order       []string // Dispatch order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewNodePaneModel creates an empty node pane.
func NewNodePaneModel() NodePaneModel {
	return NodePaneModel{
		nodes:    make(map[string]*NodeState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the node pane.
func (m NodePaneModel) Update(msg tea.Msg) (NodePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		if _, exists := m.nodes[msg.ID]; !exists {
			m.order = append(m.order, msg.ID)
		}
		name := msg.Name
		if name == "" {
			name = msg.ID
		}
		node := &NodeState{
			ID:        msg.ID,
			Name:      name,
			AgentRef:  msg.AgentRef,
			Status:    StateRunning,
			AtRisk:    msg.AtRisk,
			StartTime: msg.Timestamp,
		}
		line := fmt.Sprintf("started on %s", msg.AgentRef)
		if msg.AtRisk {
			line += " (at risk)"
		}
		node.Log = append(node.Log, stamp(msg.Timestamp, line))
		m.nodes[msg.ID] = node
		m.refreshIfSelected(msg.ID)

	case events.TaskFailedEvent:
		node, ok := m.nodes[msg.ID]
		if !ok {
			break
		}
		node.Duration = msg.Duration
		if msg.Final {
			node.Status = StateFailed
			node.Log = append(node.Log, stamp(msg.Timestamp, fmt.Sprintf("failed: %v", msg.Err)))
		} else {
			node.Status = StateRecovering
			node.Log = append(node.Log, stamp(msg.Timestamp, fmt.Sprintf("error: %v", msg.Err)))
		}
		m.refreshIfSelected(msg.ID)

	case events.RecoveryAttemptedEvent:
		node, ok := m.nodes[msg.ID]
		if !ok {
			break
		}
		outcome := "ok"
		if msg.Err != nil {
			outcome = msg.Err.Error()
		}
		node.Log = append(node.Log, stamp(msg.Timestamp,
			fmt.Sprintf("  %s (%v): %s", msg.Strategy, msg.Duration.Round(time.Millisecond), outcome)))
		m.refreshIfSelected(msg.ID)

	case events.RecoveryExhaustedEvent:
		if node, ok := m.nodes[msg.ID]; ok {
			node.Log = append(node.Log, stamp(msg.Timestamp,
				fmt.Sprintf("recovery exhausted after %s", strings.Join(msg.Strategies, ", "))))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskCompletedEvent:
		node, ok := m.nodes[msg.ID]
		if !ok {
			break
		}
		node.Duration = msg.Duration
		if msg.Strategy != "" {
			node.Status = StateRecovered
			node.Log = append(node.Log, stamp(msg.Timestamp,
				fmt.Sprintf("recovered by %s in %v", msg.Strategy, msg.Duration.Round(time.Millisecond))))
		} else {
			node.Status = StateCompleted
			node.Log = append(node.Log, stamp(msg.Timestamp,
				fmt.Sprintf("completed in %v", msg.Duration.Round(time.Millisecond))))
		}
		m.refreshIfSelected(msg.ID)
	}

	return m, cmd
}

func stamp(t time.Time, line string) string {
	return t.Format("15:04:05") + " " + line
}

// View renders the node pane.
func (m NodePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m NodePaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Nodes")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		node := m.nodes[id]
		name := node.Name
		if len(name) > listWidth-6 {
			name = name[:listWidth-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(node.Status), name)
		if node.AtRisk {
			line += StyleStatusRecovering.Render(" !")
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StateRunning:
		return StyleStatusRunning.Render("●")
	case StateRecovering:
		return StyleStatusRecovering.Render("↻")
	case StateCompleted:
		return StyleStatusComplete.Render("✓")
	case StateRecovered:
		return StyleStatusRecovering.Render("✓")
	case StateFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Node returns the state of a node, if it has been dispatched.
func (m NodePaneModel) Node(id string) (NodeState, bool) {
	n, ok := m.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	return *n, true
}

// Selected returns the ID of the selected node.
func (m NodePaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *NodePaneModel) refreshIfSelected(id string) {
	if m.Selected() == id {
		m.updateViewportContent()
	}
}

func (m *NodePaneModel) updateViewportContent() {
	node, ok := m.nodes[m.Selected()]
	if !ok {
		m.viewport.SetContent("Waiting for nodes...")
		return
	}
	m.viewport.SetContent(strings.Join(node.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *NodePaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *NodePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *NodePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
