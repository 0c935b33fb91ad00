package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderdesk/internal/transport/httpapi"
)

// fakeOrderdesk повторяет контракт POST /api/orders: остаток, ключ идемпотентности, replay.
type fakeOrderdesk struct {
	mu         sync.Mutex
	inventory  int
	nextID     int64
	responses  map[string][]byte
	completed  map[string]bool
	conflictN  int
	replayBody []byte
}

func newFakeOrderdesk(inventory int) *fakeOrderdesk {
	return &fakeOrderdesk{
		inventory: inventory,
		responses: make(map[string][]byte),
		completed: make(map[string]bool),
	}
}

func (f *fakeOrderdesk) state() (inventory, completed, stored int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inventory, len(f.completed), len(f.responses)
}

func (f *fakeOrderdesk) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/complete") {
		if r.Header.Get(httpapi.HeaderUserRoles) != "Admin" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.completed[r.URL.Path] = true
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost || r.URL.Path != "/api/orders" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	key := r.Header.Get(httpapi.HeaderIdempotencyKey)
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if body, ok := f.responses[key]; ok {
		w.Header().Set(httpapi.HeaderReplayed, "true")
		w.WriteHeader(http.StatusOK)
		if f.replayBody != nil {
			body = f.replayBody
		}
		_, _ = w.Write(body)
		return
	}
	if f.conflictN > 0 {
		f.conflictN--
		w.WriteHeader(http.StatusConflict)
		return
	}

	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) != 1 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if f.inventory < req.Items[0].Quantity {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"insufficient inventory"}`))
		return
	}
	f.inventory -= req.Items[0].Quantity
	f.nextID++
	body := []byte(fmt.Sprintf(`{"orderId":%d}`, f.nextID))
	f.responses[key] = body
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]loadMode{
		"place":          modePlace,
		" place-replay ": modePlaceReplay,
		"place-complete": modePlaceComplete,
	} {
		got, err := parseMode(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := parseMode("bad")
	require.ErrorContains(t, err, "unsupported mode")
}

func TestParseConfig(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-addr=http://127.0.0.1:8080/",
			"-mode=place-replay",
			"-total=12",
			"-concurrency=3",
			"-timeout=2s",
			"-product-id=3",
			"-quantity=2",
			"-retries=1",
			"-buyer-tag=stage",
			"-output=/tmp/out.json",
		})
		require.NoError(t, err)
		require.True(t, cfg.totalSet)
		require.Equal(t, "http://127.0.0.1:8080", cfg.addr)
		require.Equal(t, modePlaceReplay, cfg.mode)
		require.Equal(t, 12, cfg.total)
		require.Equal(t, 3, cfg.concurrency)
		require.EqualValues(t, 3, cfg.productID)
		require.Equal(t, 2, cfg.quantity)
		require.Equal(t, 1, cfg.retries)
		require.Equal(t, 2*time.Second, cfg.timeout)
	})

	t.Run("duration mode defaults", func(t *testing.T) {
		cfg, err := parseConfig([]string{"-duration=3s", "-concurrency=2"})
		require.NoError(t, err)
		require.Equal(t, 3*time.Second, cfg.duration)
		require.False(t, cfg.totalSet)
		require.Equal(t, modePlace, cfg.mode)
		require.Equal(t, "Buyer", cfg.roles)
		require.Equal(t, "Admin", cfg.completeRoles)
	})

	t.Run("validation errors", func(t *testing.T) {
		for name, tc := range map[string]struct {
			args    []string
			wantErr string
		}{
			"invalid duration":  {[]string{"-duration=bad"}, "-duration"},
			"invalid timeout":   {[]string{"-timeout=bad"}, "-timeout"},
			"invalid mode":      {[]string{"-mode=soak"}, "unsupported mode"},
			"negative duration": {[]string{"-duration=-1s"}, "duration must be >= 0"},
			"empty total":       {[]string{"-duration=0s", "-total=0"}, "total must be > 0"},
			"zero product":      {[]string{"-product-id=0"}, "product-id must be > 0"},
			"zero quantity":     {[]string{"-quantity=0"}, "quantity must be > 0"},
			"negative retries":  {[]string{"-retries=-1"}, "retries must be >= 0"},
			"empty buyer tag":   {[]string{"-buyer-tag= "}, "buyer-tag is required"},
			"unknown flag":      {[]string{"-sku=x"}, "flag provided but not defined"},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := parseConfig(tc.args)
				require.ErrorContains(t, err, tc.wantErr)
			})
		}
	})

	t.Run("reports every problem at once", func(t *testing.T) {
		_, err := parseConfig([]string{"-quantity=0", "-retries=-1"})
		require.EqualError(t, err, "quantity must be > 0; retries must be >= 0")
	})
}

func drain(jobs <-chan int) []int {
	var got []int
	for v := range jobs {
		got = append(got, v)
	}
	return got
}

func TestDispatchJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(ctx, jobs, config{total: 5})
		require.Equal(t, []int{0, 1, 2, 3, 4}, drain(jobs))
	})

	t.Run("duration mode", func(t *testing.T) {
		jobs := make(chan int, 32)
		go dispatchJobs(ctx, jobs, config{duration: 20 * time.Millisecond})
		require.NotEmpty(t, drain(jobs))
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(ctx, jobs, config{duration: time.Second, total: 3, totalSet: true})
		require.Len(t, drain(jobs), 3)
	})

	t.Run("cancelled context stops dispatch", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		jobs := make(chan int)
		dispatchJobs(cancelled, jobs, config{total: 100})
		require.Empty(t, drain(jobs))
	})
}

func TestCollector(t *testing.T) {
	c := newCollector()
	c.record(scenarioMethod, 10*time.Millisecond, http.StatusOK, outcomeSuccess)
	c.record(scenarioMethod, 20*time.Millisecond, http.StatusInternalServerError, outcomeFailed)
	c.record(scenarioMethod, 12*time.Millisecond, http.StatusConflict, outcomeConflict)
	c.record("PlaceOrder", 15*time.Millisecond, 0, outcomeFailed)

	snap, ok := c.snapshot(scenarioMethod)
	require.True(t, ok)
	require.EqualValues(t, 3, snap.Calls)
	require.EqualValues(t, 1, snap.Success)
	require.EqualValues(t, 1, snap.Failed)
	require.EqualValues(t, 1, snap.Conflicts)
	require.Equal(t, map[string]int64{"200": 1, "500": 1, "409": 1}, snap.Codes)
	require.InDelta(t, 14.0, snap.LatencyMs.Avg, 0.01)

	place, ok := c.snapshot("PlaceOrder")
	require.True(t, ok)
	require.Equal(t, map[string]int64{statusTransportError: 1}, place.Codes)
	require.Equal(t, 1.0, place.ErrorRate)

	_, ok = c.snapshot("CompleteOrder")
	require.False(t, ok)

	r, err := c.buildReport(time.Now(), 2*time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 3, r.TotalScenarios)
	require.EqualValues(t, 1, r.FailedScenarios)
	require.EqualValues(t, 1, r.ConflictScenarios)
	require.InDelta(t, 1.5, r.RPS, 0.001)
	require.Contains(t, r.Methods, "PlaceOrder")
}

func TestCollector_Quantiles(t *testing.T) {
	c := newCollector()
	for ms := 1; ms <= 100; ms++ {
		c.record("PlaceOrder", time.Duration(ms)*time.Millisecond, http.StatusOK, outcomeSuccess)
	}

	snap, _ := c.snapshot("PlaceOrder")
	require.InDelta(t, 50.5, snap.LatencyMs.Avg, 0.01)
	require.InDelta(t, 50, snap.LatencyMs.P50, 2)
	require.InDelta(t, 95, snap.LatencyMs.P95, 2)
	require.InDelta(t, 99, snap.LatencyMs.P99, 2)
}

func TestClassifyAndTargets(t *testing.T) {
	for status, want := range map[int]outcome{
		http.StatusOK:                  outcomeSuccess,
		http.StatusCreated:             outcomeSuccess,
		http.StatusConflict:            outcomeConflict,
		http.StatusBadRequest:          outcomeFailed,
		http.StatusInternalServerError: outcomeFailed,
		0:                              outcomeFailed,
	} {
		require.Equal(t, want, classify(status), "status %d", status)
	}

	require.Equal(t, 0.25, ratio(1, 4))
	require.Zero(t, ratio(1, 0))

	require.Equal(t, "count:50", runTarget(config{total: 50}))
	require.Equal(t, "duration:2s", runTarget(config{duration: 2 * time.Second}))
	require.Equal(t, "duration:2s,max-total:10", runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}))
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	sample := report{TotalScenarios: 2, SuccessScenarios: 1, ConflictScenarios: 1}
	require.NoError(t, writeJSONReport(path, sample))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.EqualValues(t, 2, decoded.TotalScenarios)
	require.EqualValues(t, 1, decoded.ConflictScenarios)

	require.ErrorContains(t, writeJSONReport("../escape.json", sample), "escapes the working directory")
	require.ErrorContains(t, writeJSONReport(".", sample), "must point to a file")
}

func testConfig(addr string, mode loadMode, total int) config {
	return config{
		addr:          addr,
		total:         total,
		concurrency:   8,
		timeout:       2 * time.Second,
		mode:          mode,
		productID:     1,
		quantity:      1,
		buyerTag:      "test",
		roles:         "Buyer",
		completeRoles: "Admin",
	}
}

func runAgainst(t *testing.T, fake *fakeOrderdesk, cfg func(addr string) config) report {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	result, err := execute(context.Background(), srv.Client(), cfg(srv.URL))
	require.NoError(t, err)
	return result
}

func TestExecute_ContentionNeverOversells(t *testing.T) {
	fake := newFakeOrderdesk(5)
	result := runAgainst(t, fake, func(addr string) config { return testConfig(addr, modePlace, 20) })

	require.EqualValues(t, 20, result.TotalScenarios)
	require.EqualValues(t, 5, result.SuccessScenarios)
	require.EqualValues(t, 15, result.ConflictScenarios)
	require.Zero(t, result.FailedScenarios)
	left, _, _ := fake.state()
	require.Zero(t, left)
}

func TestExecute_ReplayMode(t *testing.T) {
	fake := newFakeOrderdesk(100)
	result := runAgainst(t, fake, func(addr string) config { return testConfig(addr, modePlaceReplay, 10) })

	require.EqualValues(t, 10, result.SuccessScenarios)
	require.Zero(t, result.FailedScenarios)
	left, _, _ := fake.state()
	require.Equal(t, 90, left, "replay must not take inventory twice")

	replay := result.Methods["PlaceOrderReplay"]
	require.EqualValues(t, 10, replay.Calls)
	require.EqualValues(t, 10, replay.Success)
}

func TestExecute_CompleteMode(t *testing.T) {
	fake := newFakeOrderdesk(100)
	result := runAgainst(t, fake, func(addr string) config { return testConfig(addr, modePlaceComplete, 4) })
	_, completed, _ := fake.state()
	require.EqualValues(t, 4, result.SuccessScenarios)
	require.Equal(t, 4, completed)

	result = runAgainst(t, fake, func(addr string) config {
		cfg := testConfig(addr, modePlaceComplete, 2)
		cfg.completeRoles = "Buyer"
		return cfg
	})
	require.EqualValues(t, 2, result.FailedScenarios, "forbidden completions fail the scenario")
	require.EqualValues(t, 2, result.Methods["CompleteOrder"].Codes["403"])
}

func newScenario(addr string, cfg config) scenario {
	cfg.addr = addr
	return scenario{client: http.DefaultClient, cfg: cfg, stats: newCollector()}
}

func TestScenario_ReplayMismatchFails(t *testing.T) {
	fake := newFakeOrderdesk(10)
	fake.replayBody = []byte(`{"orderId":999}`)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sc := newScenario(srv.URL, testConfig("", modePlaceReplay, 1))
	require.ErrorIs(t, sc.run(context.Background(), "buyer-1"), errReplayMismatch)

	snap, _ := sc.stats.snapshot(scenarioMethod)
	require.EqualValues(t, 1, snap.Failed)
}

func TestScenario_RetriesConflictWithSameKey(t *testing.T) {
	fake := newFakeOrderdesk(10)
	fake.conflictN = 2
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := testConfig("", modePlace, 1)
	cfg.retries = 2
	sc := newScenario(srv.URL, cfg)
	require.NoError(t, sc.run(context.Background(), "buyer-1"))

	place, _ := sc.stats.snapshot("PlaceOrder")
	require.EqualValues(t, 3, place.Calls)
	require.EqualValues(t, 2, place.Conflicts)
	require.EqualValues(t, 1, place.Success)
	_, _, stored := fake.state()
	require.Equal(t, 1, stored)
}

func TestScenario_RetriesExhausted(t *testing.T) {
	fake := newFakeOrderdesk(10)
	fake.conflictN = 5
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := testConfig("", modePlace, 1)
	cfg.retries = 1
	sc := newScenario(srv.URL, cfg)
	require.NoError(t, sc.run(context.Background(), "buyer-1"))

	snap, _ := sc.stats.snapshot(scenarioMethod)
	require.EqualValues(t, 1, snap.Conflicts)
	place, _ := sc.stats.snapshot("PlaceOrder")
	require.EqualValues(t, 2, place.Calls)
}

func TestScenario_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	sc := newScenario(addr, testConfig("", modePlace, 1))
	require.Error(t, sc.run(context.Background(), "buyer-1"))

	snap, _ := sc.stats.snapshot(scenarioMethod)
	require.Equal(t, map[string]int64{statusTransportError: 1}, snap.Codes)
}

func TestScenario_SendsUserAgent(t *testing.T) {
	var agents []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.UserAgent())
		mu.Unlock()
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	sc := newScenario(srv.URL, testConfig("", modePlace, 1))
	require.NoError(t, sc.run(context.Background(), "buyer-1"))
	require.Len(t, agents, 1)
	require.True(t, strings.HasPrefix(agents[0], "orderdesk-loadtest/"), agents[0])
}

func TestPrintReport(t *testing.T) {
	r := report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		Methods: map[string]methodReport{
			scenarioMethod:  {Calls: 2, Success: 2},
			"PlaceOrder":    {Calls: 2, Success: 2},
			"CompleteOrder": {Calls: 1, Failed: 1, ErrorRate: 1},
		},
	}

	var out bytes.Buffer
	printReport(&out, r, config{mode: modePlace, total: 2})
	text := out.String()

	require.Contains(t, text, "Load test summary: mode=place run=count:2")
	_, table, found := strings.Cut(text, "method")
	require.True(t, found, text)
	var rows []string
	for _, line := range strings.Split(strings.TrimSpace(table), "\n")[1:] {
		rows = append(rows, strings.Fields(line)[0])
	}
	require.Equal(t, []string{"CompleteOrder", "PlaceOrder"}, rows, "scenario is not a method row and rows are sorted")
}
