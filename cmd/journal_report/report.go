package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"perpExecBot/internal/strategy/analytics"
)

// writeReport prints the headline metrics, the per-symbol table and the monthly returns.
func writeReport(out io.Writer, m *analytics.PerformanceMetrics) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)

	fmt.Fprintln(w, "Trades\tWinRate\tAvgWin\tAvgLoss\tTotalPnL\tPF\tMaxDD\tStops\tFinal\t")
	fmt.Fprintf(w, "%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%d\t%.2f\t\n",
		m.TotalTrades,
		m.WinRate*100,
		m.AverageWin,
		m.AverageLoss,
		m.TotalProfit,
		m.ProfitFactor,
		m.MaxDrawdown*100,
		m.StopLossExits,
		m.FinalBalance,
	)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n## By Symbol")
	symbols := make([]string, 0, len(m.BySymbol))
	for s := range m.BySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	fmt.Fprintln(w, "Symbol\tTrades\tWins\tWinRate\tPnL\t")
	for _, s := range symbols {
		st := m.BySymbol[s]
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%.2f\t\n", s, st.Trades, st.Wins, st.WinRate*100, st.PNL)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n## Monthly Returns")
	for _, r := range m.GetMonthlyReturns() {
		fmt.Fprintf(w, "%s\t%.2f\t\n", r.Month.Format("2006-01"), r.Return)
	}
	return w.Flush()
}
