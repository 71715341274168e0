package main

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/Martin-Hayot/leilao-server/pkg/types"
	"github.com/Martin-Hayot/leilao-server/pkg/utils"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

const refreshEvery = 5 * time.Second

// lotSource is what the monitor reads from.
type lotSource interface {
	ListOpenLots(ctx context.Context) ([]types.Lot, error)
}

// logBuffer collects log output for the logs view. The logger writes to it
// from many goroutines while the monitor reads it.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Every(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	source    lotSource
	now       func() time.Time
	clients   func() int
	table     table.Model
	viewport  viewport.Model
	logBuffer *logBuffer
	logs      []string
	showTable bool
	quitting  bool
}

func (m model) Init() tea.Cmd {
	return tick()
}

var lotColumns = []table.Column{
	{Title: "LOT", Width: 14},
	{Title: "AUCTION", Width: 14},
	{Title: "STATUS", Width: 14},
	{Title: "PRICE", Width: 18},
	{Title: "BIDS", Width: 6},
	{Title: "HIGH BIDDER", Width: 14},
	{Title: "TIME LEFT", Width: 14},
}

func newMonitor(source lotSource, logs *logBuffer, clients func() int) model {
	t := table.New(
		table.WithColumns(lotColumns),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(100, 15)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	m := model{
		source:    source,
		now:       time.Now,
		clients:   clients,
		table:     t,
		viewport:  vp,
		logBuffer: logs,
		showTable: true,
	}
	m.table = m.refreshRows(m.table)
	return m
}

// lotRows renders lots as monitor table rows.
func lotRows(lots []types.Lot, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(lots))
	for _, lot := range lots {
		bidder := "-"
		if lot.HighBidderID != nil {
			bidder = *lot.HighBidderID
		}
		timeLeft := "-"
		if lot.EndDate != nil {
			timeLeft = utils.TimeLeft(now, *lot.EndDate)
		}
		rows = append(rows, table.Row{
			lot.ID,
			lot.AuctionID,
			string(lot.Status),
			utils.FormatBRL(lot.Price),
			strconv.Itoa(lot.BidsCount),
			bidder,
			timeLeft,
		})
	}
	return rows
}

func (m model) refreshRows(t table.Model) table.Model {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lots, err := m.source.ListOpenLots(ctx)
	if err != nil {
		log.Error("Error getting open lots", "error", err)
		return t
	}
	t.SetRows(lotRows(lots, m.now()))
	return t
}

func (m model) loadLogs() model {
	m.logs = nil
	if m.logBuffer != nil {
		m.logs = append(m.logs, strings.Split(m.logBuffer.String(), "\n")...)
	}
	return m
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)
	switch msg := msg.(type) {
	case tickMsg:
		if m.showTable {
			m.table = m.refreshRows(m.table)
		} else {
			m = m.loadLogs()
		}
		cmds = append(cmds, tick())

	case tea.KeyMsg:
		switch msg.String() {
		case "up":
			if !m.showTable {
				m.viewport.LineUp(1)
			}
		case "down":
			if !m.showTable {
				m.viewport.LineDown(1)
			}
		case "r":
			m.table = m.refreshRows(m.table)
		case "tab":
			m.showTable = !m.showTable
			if !m.showTable {
				m = m.loadLogs()
			}
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}

	if m.showTable {
		m.table, cmd = m.table.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)
	}
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) help() string {
	clients := 0
	if m.clients != nil {
		clients = m.clients()
	}
	return helpStyle.Render("• tab: switch modes • r: refresh • q: exit • clients: " + strconv.Itoa(clients) + "\n")
}

func (m model) View() string {
	if m.quitting {
		return "Bye!\n"
	}
	if m.showTable {
		return baseStyle.Render(m.table.View()) + "\n" + m.help()
	}

	styledLogs := make([]string, len(m.logs))
	copy(styledLogs, m.logs)
	styledLogs = utils.ColorizeLogs(styledLogs)

	// only show last 15 lines of logs
	if len(styledLogs) > 15 {
		styledLogs = styledLogs[len(styledLogs)-15:]
	}

	m.viewport.SetContent(strings.Join(styledLogs, "\n"))
	return m.viewport.View() + "\n" + m.help()
}
