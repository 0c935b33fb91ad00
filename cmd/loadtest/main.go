// loadtest гоняет конкурентные размещения заказов против запущенного orderdesk
// и проверяет, что сервис не продаёт больше остатка и честно повторяет ответы.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type loadMode string

const (
	// place: один заказ на сценарий, 409 из-за остатков считается ожидаемым исходом.
	modePlace loadMode = "place"
	// place-replay: тот же ключ отправляется дважды, второй ответ обязан быть повтором.
	modePlaceReplay loadMode = "place-replay"
	// place-complete: после размещения заказ завершается под ролью с правом complete.
	modePlaceComplete loadMode = "place-complete"
)

var modes = []loadMode{modePlace, modePlaceReplay, modePlaceComplete}

type config struct {
	addr          string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	timeout       time.Duration
	mode          loadMode
	productID     int64
	quantity      int
	retries       int
	buyerTag      string
	roles         string
	completeRoles string
	outputPath    string
}

func parseConfig(args []string) (config, error) {
	cfg := config{mode: modePlace}
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "orderdesk HTTP base URL")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound only when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "scenarios in flight")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.Func("mode", "place | place-replay | place-complete", func(value string) (err error) {
		cfg.mode, err = parseMode(value)
		return err
	})
	fs.Int64Var(&cfg.productID, "product-id", 1, "product every worker competes for")
	fs.IntVar(&cfg.quantity, "quantity", 1, "units per order")
	fs.IntVar(&cfg.retries, "retries", 0, "retries with the same idempotency key after a 409")
	fs.StringVar(&cfg.buyerTag, "buyer-tag", "load", "buyer id prefix")
	fs.StringVar(&cfg.roles, "roles", "Buyer", "X-User-Roles for placement")
	fs.StringVar(&cfg.completeRoles, "complete-roles", "Admin", "X-User-Roles for completion in place-complete mode")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	fs.Visit(func(f *flag.Flag) { cfg.totalSet = cfg.totalSet || f.Name == "total" })
	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")

	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(cfg.addr != "", "addr is required")
	check(cfg.duration >= 0, "duration must be >= 0")
	check(cfg.duration > 0 || cfg.total > 0, "total must be > 0 when duration is not set")
	check(cfg.duration == 0 || !cfg.totalSet || cfg.total > 0, "total must be > 0 when explicitly set with duration")
	check(cfg.concurrency > 0, "concurrency must be > 0")
	check(cfg.timeout > 0, "timeout must be > 0")
	check(cfg.productID > 0, "product-id must be > 0")
	check(cfg.quantity > 0, "quantity must be > 0")
	check(cfg.retries >= 0, "retries must be >= 0")
	check(strings.TrimSpace(cfg.buyerTag) != "", "buyer-tag is required")
	if len(problems) > 0 {
		return config{}, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	for _, known := range modes {
		if mode == known {
			return mode, nil
		}
	}
	return "", fmt.Errorf("unsupported mode: %s", value)
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fail("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Transport: &http.Transport{
		MaxIdleConns:        cfg.concurrency,
		MaxIdleConnsPerHost: cfg.concurrency,
	}}
	result, err := execute(ctx, client, cfg)
	if err != nil {
		fail("load test: %v", err)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			fail("write report: %v", err)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// execute гоняет сценарии не более чем по cfg.concurrency одновременно и собирает отчёт.
// Отмена ctx прекращает выдачу новых сценариев; начатые доигрываются.
func execute(ctx context.Context, client *http.Client, cfg config) (report, error) {
	started := time.Now()
	runID := fmt.Sprintf("%d-%d", started.UnixNano(), os.Getpid())
	sc := scenario{client: client, cfg: cfg, stats: newCollector()}

	jobs := make(chan int, cfg.concurrency)
	go dispatchJobs(ctx, jobs, cfg)

	var g errgroup.Group
	g.SetLimit(cfg.concurrency)
	for id := range jobs {
		buyer := fmt.Sprintf("%s-%s-%d", cfg.buyerTag, runID, id)
		g.Go(func() error {
			// ошибка сценария уже учтена в статистике и не должна останавливать остальных
			_ = sc.run(context.WithoutCancel(ctx), buyer)
			return nil
		})
	}
	_ = g.Wait()

	return sc.stats.buildReport(started, time.Since(started))
}

// dispatchJobs выдаёт номера сценариев: ровно cfg.total штук или, в режиме
// duration, пока не истечёт время (и не больше total, если он задан явно).
func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	limited := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !limited || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
