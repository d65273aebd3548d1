package grid

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Render formats a ladder as a plain diagnostic table. Rendering is for logs
// only and is not part of the trading contract.
func Render(g *Grid) string {
	rungs := make([]string, len(g.Rungs))
	for i, r := range g.Rungs {
		rungs[i] = r.String()
	}
	ids := make([]string, len(g.OrderIDs))
	for i, id := range g.OrderIDs {
		ids[i] = string(id)
	}

	t := table.NewWriter()
	t.AppendRows([]table.Row{
		{"Side", string(g.Side)},
		{"Pair", g.Pair.String()},
		{"Starting Price", g.StartingPrice.String()},
		{"Rung Size", g.RungSize.String()},
		{"Rungs", strings.Join(rungs, " ")},
		{"Order IDs", strings.Join(ids, " ")},
	})
	if g.ProfitTarget.IsPositive() {
		t.AppendRow(table.Row{"Profit Target", g.ProfitTarget.String() + "%"})
	}
	t.SetStyle(table.StyleLight)
	return t.Render()
}
