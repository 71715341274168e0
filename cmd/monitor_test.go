package main

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

type staticLots []types.Lot

func (s staticLots) ListOpenLots(context.Context) ([]types.Lot, error) { return s, nil }

func TestLotRows(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(90 * time.Second)
	bidder := "u1"

	rows := lotRows([]types.Lot{
		{ID: "l1", AuctionID: "a1", Status: types.LotOpenForBids, Price: decimal.NewFromInt(11500), BidsCount: 3, HighBidderID: &bidder, EndDate: &end},
		{ID: "l2", AuctionID: "a1", Status: types.LotComingSoon, Price: decimal.NewFromInt(5000)},
	}, now)

	assert.Equal(t, 2, len(rows))
	check.Equal(t, "R$ 11.500,00", rows[0][3])
	check.Equal(t, "3", rows[0][4])
	check.Equal(t, "u1", rows[0][5])
	check.Equal(t, "1m30s", rows[0][6])
	check.Equal(t, "-", rows[1][5])
	check.Equal(t, "-", rows[1][6])
}

func TestMonitorSwitchesToLogs(t *testing.T) {
	logs := &logBuffer{}
	_, err := logs.Write([]byte("INFO sweep\n"))
	assert.NoError(t, err)

	m := newMonitor(staticLots{}, logs, func() int { return 2 })
	check.True(t, m.showTable)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(model)
	check.False(t, m.showTable)
	check.Equal(t, "INFO sweep", m.logs[0])

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	check.True(t, next.(model).quitting)
	check.NotNil(t, cmd)
}
