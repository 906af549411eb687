package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"perpExecBot/internal/adapters/binanceclient"
	"perpExecBot/internal/adapters/logger"
	"perpExecBot/internal/adapters/venueclient"
	"perpExecBot/internal/domain"
	"perpExecBot/internal/utils"
)

// venueKlineLimit is the largest page the venue's kline endpoint serves.
const venueKlineLimit = 1000

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "contract symbol")
	tfFlag := flag.String("tf", "15m", "timeframe: 15m, 1h or 4h")
	days := flag.Int("days", 7, "days of history (reference source only; the venue source returns its latest page)")
	source := flag.String("source", "venue", "kline source: venue or reference")
	testnet := flag.Bool("testnet", false, "use the testnet endpoints")
	out := flag.String("out", "", "output file, data/<symbol>_<tf>_<from>_to_<to>.csv by default")
	flag.Parse()

	appLogger := logger.New(logger.Config{Level: logger.LevelInfo, Component: "fetch_klines"})
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tf, err := domain.ParseTimeframe(*tfFlag)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	sym := strings.ToUpper(strings.TrimSpace(*symbol))
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -*days)

	var klines []*domain.Kline
	switch *source {
	case "venue":
		client, err := venueclient.New(ctx, venueclient.Config{
			UseTestnet:    *testnet,
			Logger:        appLogger.WithComponent("venue"),
			SkipClockSync: true,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize venue client: %v", err)
		}
		limit := min(int(end.Sub(start)/tf.Duration()), venueKlineLimit)
		klines, err = client.GetKlines(ctx, sym, tf, max(limit, 1))
		if err != nil {
			appLogger.Error(ctx, err, "Error fetching klines")
			log.Fatalf("Error fetching klines: %v", err)
		}
	case "reference":
		client, err := binanceclient.New(binanceclient.Config{UseTestnet: *testnet, Logger: appLogger.WithComponent("reference")})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize reference client: %v", err)
		}
		klines, err = client.GetKlinesRange(ctx, sym, tf, start, end)
		if err != nil {
			appLogger.Error(ctx, err, "Error fetching klines")
			log.Fatalf("Error fetching klines: %v", err)
		}
	default:
		log.Fatalf("FATAL: unknown source %q, want venue or reference", *source)
	}
	appLogger.Info(ctx, "Fetched klines", map[string]interface{}{"symbol": sym, "tf": tf, "source": *source, "count": len(klines)})
	if len(klines) > 0 {
		start = klines[0].OpenTime
	}

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/%s_%s_%s_to_%s.csv", sym, tf, start.Format("20060102"), end.Format("20060102"))
	}
	if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
}
