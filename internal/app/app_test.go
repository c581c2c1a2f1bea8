package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-intel/internal/config"
	"price-intel/internal/model"
)

func TestParseObservationCSV(t *testing.T) {
	input := `product_id,timestamp,price,currency,site
p1,2024-03-01T10:00:00Z,1499.00,INR,flipkart
p1, 2024-03-02T10:00:00Z, 1399.50, inr
`
	rows, err := parseObservationCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Site != model.SiteFlipkart || !rows[0].Price.Equal(decimal.RequireFromString("1499")) {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if !rows[1].Timestamp.Equal(time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)) || rows[1].Site != "" {
		t.Fatalf("row 1 = %+v", rows[1])
	}
}

func TestParseObservationCSVErrors(t *testing.T) {
	cases := map[string]string{
		"short row":     "p1,2024-03-01T10:00:00Z,10\n",
		"bad timestamp": "p1,yesterday,10,INR\n",
		"bad price":     "p1,2024-03-01T10:00:00Z,ten,INR\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseObservationCSV(strings.NewReader(input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func series(n int) []model.PriceObservation {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.PriceObservation, n)
	for i := range out {
		out[i] = model.PriceObservation{ProductID: "p1", Timestamp: start.Add(time.Duration(i) * time.Hour), Price: decimal.NewFromInt(int64(100 + i))}
	}
	return out
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	in := series(100)
	out := downsample(in, 10)
	if len(out) != 10 {
		t.Fatalf("len = %d", len(out))
	}
	if !out[0].Timestamp.Equal(in[0].Timestamp) || !out[9].Timestamp.Equal(in[99].Timestamp) {
		t.Fatal("downsample must keep first and last observations")
	}
	if got := downsample(in[:5], 10); len(got) != 5 {
		t.Fatalf("short series should pass through, got %d", len(got))
	}
}

func TestTrimAfter(t *testing.T) {
	in := series(10)
	got := trimAfter(in, in[4].Timestamp)
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
}

func TestWriteHistoryCSVIncludesForecast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "p1.csv")
	history := series(3)
	anchor := history[2].Timestamp
	projected := []model.ForecastPoint{{DayOffset: 1, Price: decimal.NewFromInt(110)}}

	if err := writeHistoryCSV(path, history, projected, anchor); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want header + 3 observed + 1 forecast", len(lines))
	}
	if !strings.HasSuffix(lines[4], ",forecast") || !strings.HasPrefix(lines[4], anchor.Add(24*time.Hour).Format(time.RFC3339)) {
		t.Fatalf("forecast row = %q", lines[4])
	}
}

func TestSimulateAlertSendsThroughTelegram(t *testing.T) {
	texts := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		texts <- body["text"]
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := &config.Config{
		Engine: config.EngineConfig{EnabledSinks: []string{"telegram"}, DispatchTimeout: 2 * time.Second},
		Sinks:  config.SinksConfig{Telegram: config.TelegramConfig{BotToken: "t", ChatID: "c", APIBase: server.URL}},
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out

	err := a.SimulateAlert(context.Background(), SimulateOptions{ProductID: "p1", Price: decimal.NewFromInt(900), Reference: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	got := <-texts
	if !strings.Contains(got, "You save: 100.00") {
		t.Fatalf("模拟告警内容不符: %q", got)
	}
	if !strings.Contains(out.String(), "telegram: ok") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestSimulateAlertWithoutSinks(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	if err := a.SimulateAlert(context.Background(), SimulateOptions{Price: decimal.NewFromInt(1)}); err == nil {
		t.Fatal("expected error without sinks")
	}
}

func TestPersistentCommandsNeedDatabase(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	if err := a.ListProducts(context.Background()); err == nil || !strings.Contains(err.Error(), "database.dsn") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}
