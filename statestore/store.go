// Package statestore is the Persistent State Store: the on-disk record of
// every output's current relay state, today's accumulated runtime, carried
// shortfall and active overrides, written atomically so a restart resumes
// without losing anti-chatter or budget accounting.
package statestore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion is bumped whenever Document's on-disk shape changes
// incompatibly and is written into Meta on every Save; Open does not check
// the version of the file it reads.
const SchemaVersion = 1

// DaysOfHistory bounds how many daily summaries OutputState.History retains.
const DaysOfHistory = 14

// DayRecord is one calendar day's outcome for an output, used to compute the
// next day's carried shortfall. The HTTP status snapshot does not include it.
// EnergyWh/Cost are only ever populated for meter- and imported-kind outputs;
// a switched output has no meter to attribute energy or cost to.
type DayRecord struct {
	Date        string  `json:"date"` // YYYY-MM-DD, local
	TargetHours float64 `json:"targetHours"`
	ActualHours float64 `json:"actualHours"`
	Shortfall   float64 `json:"shortfall"`
	EnergyWh    float64 `json:"energyWh,omitempty"`
	Cost        float64 `json:"cost,omitempty"`
}

// AppOverride is the persisted form of a user-pushed forced state.
type AppOverride struct {
	On        bool      `json:"on"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MeterReading is the last-known reading from a meter-kind output.
type MeterReading struct {
	At       time.Time `json:"at"`
	PowerW   float64   `json:"powerW"`
	EnergyWh float64   `json:"energyWh"`
}

// OutputState is the persisted, per-output slice of the control loop's state.
// For a meter- or imported-kind output, RelayOn doubles as "currently
// classified running" rather than an actual relay command, and
// SessionStartAt/SessionStartEnergyWh track an in-progress meter session
// across restarts so a process bounce mid-session doesn't lose its start
// point.
type OutputState struct {
	RelayOn              bool          `json:"relayOn"`
	LastChangeAt         time.Time     `json:"lastChangeAt"`
	TodayHours           float64       `json:"todayHours"`
	CarriedShortfall     float64       `json:"carriedShortfall"`
	Override             *AppOverride  `json:"override,omitempty"`
	History              []DayRecord   `json:"history,omitempty"`
	LastMeter            *MeterReading `json:"lastMeter,omitempty"`
	LastContactAt        time.Time     `json:"lastContactAt,omitzero"`
	LastContactOK        bool          `json:"lastContactOk"`
	TodayEnergyWh        float64       `json:"todayEnergyWh,omitempty"`
	TodayCost            float64       `json:"todayCost,omitempty"`
	SessionStartAt       time.Time     `json:"sessionStartAt,omitzero"`
	SessionStartEnergyWh float64       `json:"sessionStartEnergyWh,omitempty"`
}

// Meta records bookkeeping about the document as a whole.
type Meta struct {
	SchemaVersion int       `json:"schemaVersion"`
	WrittenAt     time.Time `json:"writtenAt"`
}

// Document is the full on-disk shape of the state file. Forward-compatible:
// a field this version doesn't know about (e.g. a future priceHistory or
// temperatureHistory section) round-trips through extra unchanged rather
// than being dropped on the next rewrite.
type Document struct {
	Outputs map[string]OutputState `json:"outputs"`
	Meta    Meta                   `json:"meta"`
	extra   map[string]json.RawMessage
}

type documentAlias struct {
	Outputs map[string]OutputState `json:"outputs"`
	Meta    Meta                   `json:"meta"`
}

func (d Document) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(d.extra)+2)
	for k, v := range d.extra {
		raw[k] = v
	}

	outputs, err := json.Marshal(d.Outputs)
	if err != nil {
		return nil, err
	}
	raw["outputs"] = outputs

	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return nil, err
	}
	raw["meta"] = meta

	return json.Marshal(raw)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var alias documentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	d.Outputs = alias.Outputs
	d.Meta = alias.Meta

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "outputs")
	delete(raw, "meta")
	d.extra = raw
	return nil
}

// Store guards a Document with atomic load/save to a single state file.
type Store struct {
	mu       sync.RWMutex
	path     string
	doc      Document
	logger   *log.Logger
}

// Open loads path if it exists, starting from an empty document otherwise. A
// corrupt file is backed up alongside the original (with a ".corrupt-<unix>"
// suffix) and replaced with a fresh empty document, rather than aborting
// startup.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		doc:    Document{Outputs: make(map[string]OutputState)},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
		if werr := os.WriteFile(backup, data, 0o644); werr != nil {
			logger.Printf("state store: failed to back up corrupt state file: %v", werr)
		} else {
			logger.Printf("state store: %s was corrupt (%v); backed up to %s and starting fresh", path, err, backup)
		}
		return s, nil
	}

	if doc.Outputs == nil {
		doc.Outputs = make(map[string]OutputState)
	}
	s.doc = doc
	return s, nil
}

// Get returns the state for name, and whether it had been recorded before.
func (s *Store) Get(name string) (OutputState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.doc.Outputs[name]
	return st, ok
}

// Set replaces the state for name. Callers hold no lock across this call;
// Save must be invoked separately to persist it.
func (s *Store) Set(name string, state OutputState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(state.History) > DaysOfHistory {
		state.History = state.History[len(state.History)-DaysOfHistory:]
	}
	s.doc.Outputs[name] = state
}

// Names returns the set of output names with recorded state.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.doc.Outputs))
	for n := range s.doc.Outputs {
		names = append(names, n)
	}
	return names
}

// Save writes the current document to disk via a temp-file-then-rename,
// matching the Price Cache's atomic-write path.
func (s *Store) Save() error {
	s.mu.RLock()
	s.doc.Meta = Meta{SchemaVersion: SchemaVersion, WrittenAt: time.Now()}
	bs, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state document: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
