package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"dm-relay/internal/config"
	"dm-relay/internal/repository"
	"dm-relay/internal/service"
)

// Scenario describe un par de envíos y si deben colapsar en un mismo registro.
type Scenario struct {
	Name        string
	First       string
	Second      string
	Reverse     bool
	Pause       time.Duration
	ShouldMatch bool
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(context.Background(), os.Stdout))
}

// run devuelve el código de salida; los recursos se liberan antes de salir.
func run(ctx context.Context, out io.Writer) int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "load config: %v\n", err)
		return 2
	}

	store, err := repository.OpenStore(ctx, cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(out, "open store: %v\n", err)
		return 2
	}
	defer store.Close()

	messageSvc := service.NewMessageService(nil, store.Messages, cfg.DedupWindow, cfg.StoreTimeout)

	scenarios := []Scenario{
		{
			Name:        "Doble Click",
			First:       "hola",
			Second:      "hola",
			ShouldMatch: true,
		},
		{
			Name:        "Espacios Alrededor",
			First:       "hola",
			Second:      "  hola ",
			ShouldMatch: true,
		},
		{
			Name:        "Contenido Distinto",
			First:       "hola",
			Second:      "chau",
			ShouldMatch: false,
		},
		{
			Name:        "Respuesta del Otro Lado",
			First:       "hola",
			Second:      "hola",
			Reverse:     true,
			ShouldMatch: false,
		},
		{
			Name:        "Fuera de Ventana",
			First:       "hola",
			Second:      "hola",
			Pause:       cfg.DedupWindow + 100*time.Millisecond,
			ShouldMatch: false,
		},
	}

	passed := 0
	total := len(scenarios)
	base := time.Now().UnixNano() % 1_000_000_000

	for i, sc := range scenarios {
		fmt.Fprintf(out, "=== Ejecutando: %s ===\n", sc.Name)

		// Ids frescos por escenario para no chocar con corridas anteriores.
		sender := base*10 + int64(i)*2 + 1
		recipient := sender + 1

		first, _, err := messageSvc.Send(ctx, sender, recipient, sc.First)
		if err != nil {
			fmt.Fprintf(out, "❌ FAIL [%s] first send: %v\n\n", sc.Name, err)
			continue
		}
		if sc.Pause > 0 {
			time.Sleep(sc.Pause)
		}
		from, to := sender, recipient
		if sc.Reverse {
			from, to = recipient, sender
		}
		second, _, err := messageSvc.Send(ctx, from, to, sc.Second)
		if err != nil {
			fmt.Fprintf(out, "❌ FAIL [%s] second send: %v\n\n", sc.Name, err)
			continue
		}

		matched := first.ID == second.ID
		if matched == sc.ShouldMatch {
			fmt.Fprintf(out, "✅ PASS [%s] esperado=%t matched=%t\n\n", sc.Name, sc.ShouldMatch, matched)
			passed++
		} else {
			fmt.Fprintf(out, "❌ FAIL [%s] esperado=%t matched=%t\n\n", sc.Name, sc.ShouldMatch, matched)
		}
	}

	fmt.Fprintf(out, "Tests: %d/%d pasaron\n", passed, total)
	if passed != total {
		return 1
	}
	return 0
}
