package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/config"
	"github.com/nickelseyspelloc/powercontroller/priceapi"
	"github.com/nickelseyspelloc/powercontroller/pricecache"
	"github.com/nickelseyspelloc/powercontroller/scheduleeval"
	"github.com/nickelseyspelloc/powercontroller/statestore"
)

// relayCalls is a tiny recording fake standing in for a Shelly device: it
// always reports the last commanded on/off state back from GetStatus.
type relayCalls struct {
	mu  chan struct{} // acts as a cheap mutex via a 1-buffered channel
	on  bool
	set []bool
}

func newRelayServer(t *testing.T) (*httptest.Server, *relayCalls) {
	t.Helper()
	rc := &relayCalls{mu: make(chan struct{}, 1)}
	rc.mu <- struct{}{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-rc.mu
		defer func() { rc.mu <- struct{}{} }()

		if q, err := url.ParseQuery(r.URL.RawQuery); err == nil && r.URL.Path == "/rpc/Switch.Set" {
			on, _ := strconv.ParseBool(q.Get("on"))
			rc.on = on
			rc.set = append(rc.set, on)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 0, "ison": rc.on, "apower": 0.0, "aenergy_wh": 0.0})
	}))
	t.Cleanup(srv.Close)
	return srv, rc
}

func (rc *relayCalls) lastSet() (bool, int) {
	<-rc.mu
	defer func() { rc.mu <- struct{}{} }()
	if len(rc.set) == 0 {
		return false, 0
	}
	return rc.set[len(rc.set)-1], len(rc.set)
}

// yamlListItem renders body as one indented YAML sequence item under an
// "outputs:" key, so tests can express an output as a plain indented block
// without hand-aligning every line to the "- " marker.
func yamlListItem(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == 0 {
			b.WriteString("  - " + line + "\n")
		} else {
			b.WriteString("    " + line + "\n")
		}
	}
	return b.String()
}

// testLoop builds a Loop from a minimal YAML document (so config's own
// reference-resolution and validation run exactly as they would in
// production) with a single output spliced in from outputYAML.
func testLoop(t *testing.T, deviceURL, outputYAML string) (*Loop, *statestore.Store) {
	t.Helper()

	doc := fmt.Sprintf(`
general:
  polling_interval: 1s
  plan_horizon: 2h
  plan_lookback: 0s
  log_level: info
  log_format: text
files:
  state_file: state.json
location:
  latitude: -33.8
  longitude: 151.2
shelly_devices:
  - name: relay-1
    address: %s
    response_timeout: 1s
    retry_count: 0
    retry_delay: 1ms
operating_schedules:
  - name: unused
    windows: []
outputs:
%s`, deviceURL, yamlListItem(outputYAML))

	cfg, err := config.LoadConfigFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("failed to load test config: %v", err)
	}

	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.json"), nil)
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}

	priceClient := priceapi.NewClient("http://unused.invalid", "", time.Second)
	cache := pricecache.NewCache(priceClient, filepath.Join(t.TempDir(), "prices.json"), time.Hour, 5, 20.0, nil)
	ephemeris := clock.NewEphemeris(-33.8, 151.2)
	evaluator := scheduleeval.NewEvaluator(ephemeris)

	l := New(cfg, store, cache, evaluator, ephemeris, nil)

	// Tests drive l.tick directly rather than l.Start, so start each device
	// worker's single-writer goroutine by hand: SetOutput/ReadMeter block on
	// a response from it.
	for _, w := range l.devices {
		w.Start(context.Background())
	}
	t.Cleanup(func() {
		for _, w := range l.devices {
			w.Stop()
		}
	})

	return l, store
}

func TestTickTurnsOnEligibleBestPriceOutputAndPersistsState(t *testing.T) {
	srv, rc := newRelayServer(t)

	l, store := testLoop(t, srv.URL, `
name: hot-water
kind: switched
mode: best_price
relay_device: relay-1
price_channel: general
budget:
  target_hours: 24
  max_hours: 24
ceilings:
  max_best_price: 50
  max_priority_price: 100
`)

	l.tick(context.Background())

	on, calls := rc.lastSet()
	if calls == 0 || !on {
		t.Fatalf("expected the relay to be commanded on, got calls=%d on=%v", calls, on)
	}

	st, ok := store.Get("hot-water")
	if !ok || !st.RelayOn {
		t.Fatalf("expected the state store to record relayOn=true, got %+v", st)
	}
}

func TestSetOverrideForcesOnThenPersists(t *testing.T) {
	srv, rc := newRelayServer(t)

	l, store := testLoop(t, srv.URL, `
name: ev-charger
kind: switched
mode: best_price
relay_device: relay-1
price_channel: general
budget:
  target_hours: 0
  max_hours: 0
ceilings:
  max_best_price: -1
  max_priority_price: -1
`)

	// With a budget of zero and an unreachable price ceiling, the plan
	// would never turn this output on by itself.
	l.tick(context.Background())
	if on, _ := rc.lastSet(); on {
		t.Fatalf("expected the relay to stay off before any override is applied")
	}

	if err := l.SetOverride("ev-charger", true, time.Minute); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	l.tick(context.Background())

	on, calls := rc.lastSet()
	if calls == 0 || !on {
		t.Fatalf("expected the override to force the relay on, got calls=%d on=%v", calls, on)
	}

	st, ok := store.Get("ev-charger")
	if !ok || st.Override == nil || !st.Override.On {
		t.Fatalf("expected the override to be persisted to the state store, got %+v", st)
	}
}

func TestShutdownCommandsStopOnExitOutputsOff(t *testing.T) {
	srv, rc := newRelayServer(t)

	l, _ := testLoop(t, srv.URL, `
name: hot-water
kind: switched
mode: best_price
relay_device: relay-1
price_channel: general
stop_on_exit: true
budget:
  target_hours: 24
  max_hours: 24
ceilings:
  max_best_price: 50
  max_priority_price: 100
`)

	l.tick(context.Background())
	if on, _ := rc.lastSet(); !on {
		t.Fatalf("expected the relay to be on before shutdown")
	}

	l.shutdown(context.Background())

	on, _ := rc.lastSet()
	if on {
		t.Fatalf("expected shutdown to command the stopOnExit output off")
	}
}
