package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"perpExecBot/internal/adapters/logger"
	"perpExecBot/internal/adapters/sqlite"
	"perpExecBot/internal/domain"
	"perpExecBot/internal/strategy/analytics"
)

func main() {
	dbPath := flag.String("db", "./data/journal.db", "path of the trade journal")
	symbol := flag.String("symbol", "", "restrict the report to one symbol")
	balance := flag.Float64("balance", 1000, "starting balance used for the equity curve")
	flag.Parse()

	appLogger := logger.New(logger.Config{Level: logger.LevelWarn, Component: "journal_report"})
	defer appLogger.Close()
	ctx := context.Background()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("Error opening journal: %v", err)
	}
	defer repo.Close()

	trades, err := repo.AllClosed(ctx)
	if err != nil {
		log.Fatalf("Error reading closed trades: %v", err)
	}
	if *symbol != "" {
		trades = filterSymbol(trades, strings.ToUpper(*symbol))
	}
	if len(trades) == 0 {
		log.Println("No closed trades in the journal.")
		return
	}

	metrics := analytics.AnalyzePerformance(trades, *balance)
	if err := writeReport(os.Stdout, metrics); err != nil {
		log.Fatalf("Error writing report: %v", err)
	}
}

func filterSymbol(trades []*domain.Trade, symbol string) []*domain.Trade {
	out := trades[:0:0]
	for _, t := range trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}
