package cli

import (
	"context"
	"fmt"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jfellner/distill/internal/curation"
	"github.com/jfellner/distill/internal/models"
)

// reviewItemsMsg carries the freshly loaded pending queue.
type reviewItemsMsg struct {
	items []models.CurationItem
	err   error
}

// reviewResolvedMsg reports the outcome of one resolution.
type reviewResolvedMsg struct {
	itemID string
	status models.ItemStatus
	err    error
}

// reviewModel is the bubbletea model for the interactive curation queue.
type reviewModel struct {
	store    *curation.SurrealStore
	kind     *models.BatchKind
	items    []models.CurationItem
	cursor   int
	resolved int
	loading  bool
	busy     bool
	theme    Theme
	status   string
	err      error
}

func newReviewModel(store *curation.SurrealStore, kind *models.BatchKind) reviewModel {
	return reviewModel{
		store:   store,
		kind:    kind,
		loading: true,
		theme:   defaultTheme,
	}
}

func (m reviewModel) Init() tea.Cmd {
	return m.loadItems()
}

func (m reviewModel) loadItems() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		items, err := m.store.Pending(ctx, m.kind)
		return reviewItemsMsg{items: items, err: err}
	}
}

func (m reviewModel) resolveCurrent(status models.ItemStatus) (tea.Model, tea.Cmd) {
	if m.busy || len(m.items) == 0 {
		return m, nil
	}
	m.busy = true
	itemID := models.MustRecordIDString(m.items[m.cursor].ID)

	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := m.store.Resolve(ctx, itemID, status, nil, nil)
		return reviewResolvedMsg{itemID: itemID, status: status, err: err}
	}
}

func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
		case "a":
			return m.resolveCurrent(models.ItemAccepted)
		case "r":
			return m.resolveCurrent(models.ItemRejected)
		}

	case reviewItemsMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.items = msg.items
		if m.cursor >= len(m.items) {
			m.cursor = 0
		}
		if len(m.items) == 0 {
			return m, tea.Quit
		}

	case reviewResolvedMsg:
		m.busy = false
		if msg.err != nil {
			m.status = m.theme.errorStyle().Render(fmt.Sprintf("✗ %s: %v", msg.itemID, msg.err))
			return m, nil
		}
		m.resolved++
		m.status = m.theme.completedStyle().Render(fmt.Sprintf("✓ %s %s", msg.status, msg.itemID))

		// Drop the resolved item from the queue in place.
		remaining := m.items[:0]
		for _, item := range m.items {
			if models.MustRecordIDString(item.ID) != msg.itemID {
				remaining = append(remaining, item)
			}
		}
		m.items = remaining
		if m.cursor >= len(m.items) && m.cursor > 0 {
			m.cursor--
		}
		if len(m.items) == 0 {
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m reviewModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m reviewModel) renderContent() string {
	if m.loading {
		return "Loading pending items...\n"
	}
	if len(m.items) == 0 {
		return ""
	}

	header := m.theme.statusStyle().Render(
		fmt.Sprintf("Curation queue: %d pending, %d resolved this session", len(m.items), m.resolved))
	out := header + "\n\n"

	// Window of items around the cursor so long queues stay readable.
	const window = 8
	start := 0
	if m.cursor > window/2 {
		start = m.cursor - window/2
	}
	end := min(start+window, len(m.items))

	for i := start; i < end; i++ {
		item := m.items[i]
		line := fmt.Sprintf("%s  %s",
			models.MustRecordIDString(item.ID), payloadSummary(item.Payload, 80))
		if i == m.cursor {
			out += lipgloss.NewStyle().Bold(true).Render("> "+line) + "\n"
		} else {
			out += "  " + line + "\n"
		}
	}

	if m.status != "" {
		out += "\n" + m.status + "\n"
	}
	out += "\n" + m.theme.hintStyle().Render(
		"a accept · r reject · j/k move · q quit  (notes and edits: distill review reject/edit)") + "\n"
	return out
}

func runReviewTUI(cmd *cobra.Command, args []string) error {
	kind, err := kindFilter()
	if err != nil {
		return err
	}

	store := curation.NewSurrealStore(dbClient)
	p := tea.NewProgram(newReviewModel(store, kind))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("review UI error: %w", err)
	}

	if m, ok := finalModel.(reviewModel); ok {
		if m.err != nil {
			return m.err
		}
		if m.resolved > 0 {
			fmt.Printf("Resolved %d item(s).\n", m.resolved)
		}
		if len(m.items) == 0 {
			fmt.Println("Queue empty. Parked jobs resume on the worker's next sweep.")
		}
	}
	return nil
}
