// Package config loads, validates and normalises the PowerController's YAML
// configuration file into a fully typed struct tree, resolving cross-section
// name references (schedules, sequences, devices, parents) into stable
// indices at load time.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// General holds process-wide scheduling and logging settings.
type General struct {
	PollingInterval   time.Duration `yaml:"polling_interval"`
	PlanHorizon       time.Duration `yaml:"plan_horizon"`
	PlanLookback      time.Duration `yaml:"plan_lookback"`
	DryRun            bool          `yaml:"dry_run"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	ReportCriticalErrorsDelay time.Duration `yaml:"report_critical_errors_delay"`
}

// Files names the on-disk artifacts the daemon reads and writes.
type Files struct {
	StateFile     string `yaml:"state_file"`
	PriceCacheDir string `yaml:"price_cache_dir"`
	CSVDir        string `yaml:"csv_dir"`
	CSVMaxDays    int    `yaml:"csv_max_days"`
}

// Email configures the out-of-scope critical-error notifier; the core only
// needs enough shape to rate-limit and address notifications, not to send them.
type Email struct {
	Enabled     bool     `yaml:"enabled"`
	SMTPHost    string   `yaml:"smtp_host"`
	SMTPPort    int      `yaml:"smtp_port"`
	Username    string   `yaml:"username"` // substituted from SMTP_USERNAME
	Password    string   `yaml:"password"` // substituted from SMTP_PASSWORD
	Recipients  []string `yaml:"recipients"`
}

// Website is the out-of-scope status-page template renderer's config stub.
type Website struct {
	Enabled bool   `yaml:"enabled"`
	Title   string `yaml:"title"`
}

// ViewerWebsite configures an external viewer the daemon may post snapshots to.
type ViewerWebsite struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	AccessKey  string        `yaml:"access_key"` // substituted from VIEWER_ACCESS_KEY
	APITimeout time.Duration `yaml:"api_timeout"`
}

// AmberAPI configures the spot-price external API client.
type AmberAPI struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"` // substituted from AMBER_API_KEY
	Timeout    time.Duration `yaml:"timeout"`
	RefreshEvery       time.Duration `yaml:"refresh_every"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	MaxConcurrentErrors int          `yaml:"max_concurrent_errors"`
	DefaultPrice       float64       `yaml:"default_price"`
}

// ShellyDevice declares one network relay/meter/probe device by its RPC handle.
type ShellyDevice struct {
	Name                string        `yaml:"name"`
	Address             string        `yaml:"address"`
	ResponseTimeout     time.Duration `yaml:"response_timeout"`
	RetryCount          int           `yaml:"retry_count"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	MaxConcurrentErrors int           `yaml:"max_concurrent_errors"`
}

// OutputMetering configures meter polling cadence for meter-kind outputs.
type OutputMetering struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Staleness    time.Duration `yaml:"staleness"`
}

// TempProbeLogging configures probe polling cadence.
type TempProbeLogging struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// UPSIntegration names the UPS scripts the daemon polls for health.
type UPSIntegration struct {
	Scripts []UPSScript `yaml:"scripts"`
}

// UPSScript is one UPS's polling configuration.
type UPSScript struct {
	Name           string        `yaml:"name"`
	Path           string        `yaml:"path"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	LowChargePct   float64       `yaml:"low_charge_pct"`
	LowRuntimeSec  int           `yaml:"low_runtime_sec"`
}

// Location is the fixed latitude/longitude used for ephemeris. Timezone is
// parsed but not read by any component; half-hour slots are aligned in UTC.
type Location struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Timezone  string  `yaml:"timezone"`
}

// TeslaMate is the out-of-scope SQL-ingest collaborator's config stub.
type TeslaMate struct {
	Enabled  bool   `yaml:"enabled"`
	DBHost   string `yaml:"db_host"` // substituted from TESLAMATE_DB_HOST
	DBName   string `yaml:"db_name"` // substituted from TESLAMATE_DB_NAME
	DBUser   string `yaml:"db_user"` // substituted from TESLAMATE_DB_USER
	DBPass   string `yaml:"db_pass"` // substituted from TESLAMATE_DB_PASS
}

// HeartbeatMonitor is the out-of-scope liveness-ping collaborator's config stub.
type HeartbeatMonitor struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// WebAppAccess guards the HTTP Command Surface.
type WebAppAccess struct {
	Port      int    `yaml:"port"`
	AccessKey string `yaml:"access_key"` // substituted from WEBAPP_ACCESS_KEY
}

// Config is the fully typed, validated, reference-resolved configuration tree.
type Config struct {
	General          General          `yaml:"general"`
	Files            Files            `yaml:"files"`
	Email            Email            `yaml:"email"`
	Website          Website          `yaml:"website"`
	AmberAPI         AmberAPI         `yaml:"amber_api"`
	ShellyDevices    []ShellyDevice   `yaml:"shelly_devices"`
	Outputs          []Output         `yaml:"outputs"`
	OperatingSchedules []Schedule     `yaml:"operating_schedules"`
	OutputSequences  []Sequence       `yaml:"output_sequences"`
	ViewerWebsite    ViewerWebsite    `yaml:"viewer_website"`
	OutputMetering   OutputMetering   `yaml:"output_metering"`
	TempProbeLogging TempProbeLogging `yaml:"temp_probe_logging"`
	UPSIntegration   UPSIntegration   `yaml:"ups_integration"`
	Location         Location         `yaml:"location"`
	TeslaMate        TeslaMate        `yaml:"teslamate"`
	HeartbeatMonitor HeartbeatMonitor `yaml:"heartbeat_monitor"`
	WebApp           WebAppAccess     `yaml:"webapp"`

	// deviceIndex/scheduleIndex/sequenceIndex are resolved at load time and
	// not serialised; they let downstream components look devices up by
	// name in O(1) without re-walking the slices every tick.
	deviceIndex   map[string]int `yaml:"-"`
	scheduleIndex map[string]int `yaml:"-"`
	sequenceIndex map[string]int `yaml:"-"`
	outputIndex   map[string]int `yaml:"-"`
}

// DefaultConfig returns a configuration with sane defaults, mirroring every
// field LoadConfig would otherwise leave zero-valued.
func DefaultConfig() *Config {
	return &Config{
		General: General{
			PollingInterval:           30 * time.Second,
			PlanHorizon:               24 * time.Hour,
			PlanLookback:              12 * time.Hour,
			LogLevel:                  "info",
			LogFormat:                 "text",
			ReportCriticalErrorsDelay: 10 * time.Minute,
		},
		Files: Files{
			StateFile:     "state.json",
			PriceCacheDir: "price-cache",
			CSVDir:        "csv",
			CSVMaxDays:    30,
		},
		AmberAPI: AmberAPI{
			Timeout:             10 * time.Second,
			RefreshEvery:        5 * time.Minute,
			StaleAfter:          2 * time.Hour,
			MaxConcurrentErrors: 5,
			DefaultPrice:        30.0,
		},
		OutputMetering: OutputMetering{
			PollInterval: time.Minute,
			Staleness:    30 * time.Second,
		},
		TempProbeLogging: TempProbeLogging{
			PollInterval: time.Minute,
		},
		Location: Location{
			Timezone: "Local",
		},
	}
}

// LoadConfig reads, parses and validates the YAML configuration at filename,
// substituting secret fields from environment variables.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader parses and validates configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config YAML: %w", err)
	}

	cfg.substituteSecrets()

	if err := cfg.resolveReferences(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// substituteSecrets fills secret fields from named environment variables when
// the YAML value is empty.
func (c *Config) substituteSecrets() {
	if c.AmberAPI.APIKey == "" {
		c.AmberAPI.APIKey = os.Getenv("AMBER_API_KEY")
	}
	if c.Email.Username == "" {
		c.Email.Username = os.Getenv("SMTP_USERNAME")
	}
	if c.Email.Password == "" {
		c.Email.Password = os.Getenv("SMTP_PASSWORD")
	}
	if c.WebApp.AccessKey == "" {
		c.WebApp.AccessKey = os.Getenv("WEBAPP_ACCESS_KEY")
	}
	if c.ViewerWebsite.AccessKey == "" {
		c.ViewerWebsite.AccessKey = os.Getenv("VIEWER_ACCESS_KEY")
	}
	if c.TeslaMate.DBHost == "" {
		c.TeslaMate.DBHost = os.Getenv("TESLAMATE_DB_HOST")
	}
	if c.TeslaMate.DBName == "" {
		c.TeslaMate.DBName = os.Getenv("TESLAMATE_DB_NAME")
	}
	if c.TeslaMate.DBUser == "" {
		c.TeslaMate.DBUser = os.Getenv("TESLAMATE_DB_USER")
	}
	if c.TeslaMate.DBPass == "" {
		c.TeslaMate.DBPass = os.Getenv("TESLAMATE_DB_PASS")
	}
}

// resolveReferences resolves the cyclic/mutual name references described in
// the design notes (outputs naming schedules, sequences, devices, parents)
// into stable integer indices, detecting parent cycles.
func (c *Config) resolveReferences() error {
	c.deviceIndex = make(map[string]int, len(c.ShellyDevices))
	for i, d := range c.ShellyDevices {
		if d.Name == "" {
			return fmt.Errorf("shelly_devices[%d]: name is required", i)
		}
		if _, dup := c.deviceIndex[d.Name]; dup {
			return fmt.Errorf("shelly_devices: duplicate name %q", d.Name)
		}
		c.deviceIndex[d.Name] = i
	}

	c.scheduleIndex = make(map[string]int, len(c.OperatingSchedules))
	for i, s := range c.OperatingSchedules {
		if _, dup := c.scheduleIndex[s.Name]; dup {
			return fmt.Errorf("operating_schedules: duplicate name %q", s.Name)
		}
		c.scheduleIndex[s.Name] = i
	}

	c.sequenceIndex = make(map[string]int, len(c.OutputSequences))
	for i, s := range c.OutputSequences {
		if _, dup := c.sequenceIndex[s.Name]; dup {
			return fmt.Errorf("output_sequences: duplicate name %q", s.Name)
		}
		c.sequenceIndex[s.Name] = i
	}

	c.outputIndex = make(map[string]int, len(c.Outputs))
	for i := range c.Outputs {
		o := &c.Outputs[i]
		if o.Name == "" {
			return fmt.Errorf("outputs[%d]: name is required", i)
		}
		if _, dup := c.outputIndex[o.Name]; dup {
			return fmt.Errorf("outputs: duplicate name %q", o.Name)
		}
		o.Index = i
		c.outputIndex[o.Name] = i
	}

	for i := range c.Outputs {
		o := &c.Outputs[i]
		if o.ParentName != "" {
			idx, ok := c.outputIndex[o.ParentName]
			if !ok {
				return fmt.Errorf("outputs[%s]: parent %q not found", o.Name, o.ParentName)
			}
			if c.Outputs[idx].Name == o.Name {
				return fmt.Errorf("outputs[%s]: cannot be its own parent", o.Name)
			}
			o.ParentIdx = idx
			o.HasParent = true
		}
		if o.ScheduleName != "" {
			if _, ok := c.scheduleIndex[o.ScheduleName]; !ok {
				return fmt.Errorf("outputs[%s]: schedule %q not found", o.Name, o.ScheduleName)
			}
		}
		if o.ConstraintScheduleName != "" {
			if _, ok := c.scheduleIndex[o.ConstraintScheduleName]; !ok {
				return fmt.Errorf("outputs[%s]: constraint_schedule %q not found", o.Name, o.ConstraintScheduleName)
			}
		}
		if o.TurnOnSequenceName != "" {
			if _, ok := c.sequenceIndex[o.TurnOnSequenceName]; !ok {
				return fmt.Errorf("outputs[%s]: turn_on_sequence %q not found", o.Name, o.TurnOnSequenceName)
			}
		}
		if o.TurnOffSequenceName != "" {
			if _, ok := c.sequenceIndex[o.TurnOffSequenceName]; !ok {
				return fmt.Errorf("outputs[%s]: turn_off_sequence %q not found", o.Name, o.TurnOffSequenceName)
			}
		}
		if o.UPS != nil {
			found := false
			for _, s := range c.UPSIntegration.Scripts {
				if s.Name == o.UPS.UPSName {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("outputs[%s]: ups %q not found", o.Name, o.UPS.UPSName)
			}
		}
	}

	return c.detectParentCycles()
}

// detectParentCycles walks the parent chain from every output and rejects
// configs where the parent references form a cycle rather than a DAG.
func (c *Config) detectParentCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, len(c.Outputs))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("parent cycle detected at output %q", c.Outputs[i].Name)
		}
		state[i] = visiting
		if c.Outputs[i].HasParent {
			if err := visit(c.Outputs[i].ParentIdx); err != nil {
				return err
			}
		}
		state[i] = done
		return nil
	}

	for i := range c.Outputs {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks mandatory sections and per-field constraints.
func (c *Config) Validate() error {
	if c.Files.StateFile == "" {
		return fmt.Errorf("files.state_file cannot be empty")
	}
	if len(c.ShellyDevices) == 0 {
		return fmt.Errorf("shelly_devices: at least one device must be configured")
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("outputs: at least one output must be configured")
	}
	if len(c.OperatingSchedules) == 0 {
		return fmt.Errorf("operating_schedules: at least one schedule must be configured")
	}
	if c.General.PollingInterval <= 0 {
		return fmt.Errorf("general.polling_interval must be greater than 0, got: %s", c.General.PollingInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.General.LogLevel] {
		return fmt.Errorf("invalid general.log_level: %s, must be one of: debug, info, warn, error", c.General.LogLevel)
	}
	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.General.LogFormat] {
		return fmt.Errorf("invalid general.log_format: %s, must be one of: text, json", c.General.LogFormat)
	}

	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		return fmt.Errorf("location.latitude must be between -90 and 90, got: %f", c.Location.Latitude)
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		return fmt.Errorf("location.longitude must be between -180 and 180, got: %f", c.Location.Longitude)
	}

	for _, o := range c.Outputs {
		if err := o.validate(); err != nil {
			return fmt.Errorf("outputs[%s]: %w", o.Name, err)
		}
	}

	return nil
}

func (o Output) validate() error {
	switch o.Kind {
	case KindSwitched, KindMeter, KindImported:
	default:
		return fmt.Errorf("invalid kind %q", o.Kind)
	}
	switch o.Mode {
	case ModeBestPrice, ModeSchedule:
	default:
		return fmt.Errorf("invalid mode %q", o.Mode)
	}
	if o.Kind == KindSwitched && o.RelayDevice == "" {
		return fmt.Errorf("switched output requires relay_device")
	}
	if o.Kind == KindMeter && o.MeterDevice == "" {
		return fmt.Errorf("meter output requires meter_device")
	}
	if o.Chatter.MinOffMinutes > 0 && o.Chatter.MaxOffMinutes > 0 {
		return fmt.Errorf("min_off_minutes and max_off_minutes are mutually exclusive")
	}
	if o.Budget.MinHours > o.Budget.MaxHours && o.Budget.MaxHours >= 0 {
		return fmt.Errorf("budget.min_hours (%f) cannot exceed budget.max_hours (%f)", o.Budget.MinHours, o.Budget.MaxHours)
	}
	if o.Budget.TargetHours != -1 && o.Budget.TargetHours > o.Budget.MaxHours && o.Budget.MaxHours > 0 {
		return fmt.Errorf("budget.target_hours (%f) cannot exceed budget.max_hours (%f)", o.Budget.TargetHours, o.Budget.MaxHours)
	}
	if o.TempProbe != nil && o.TempProbe.Operator != ">" && o.TempProbe.Operator != "<" {
		return fmt.Errorf("temp_probe.operator must be \">\" or \"<\", got %q", o.TempProbe.Operator)
	}
	return nil
}

// DeviceByName returns the ShellyDevice registered under name.
func (c *Config) DeviceByName(name string) (ShellyDevice, bool) {
	idx, ok := c.deviceIndex[name]
	if !ok {
		return ShellyDevice{}, false
	}
	return c.ShellyDevices[idx], true
}

// ScheduleByName returns the Schedule registered under name.
func (c *Config) ScheduleByName(name string) (Schedule, bool) {
	idx, ok := c.scheduleIndex[name]
	if !ok {
		return Schedule{}, false
	}
	return c.OperatingSchedules[idx], true
}

// SequenceByName returns the Sequence registered under name.
func (c *Config) SequenceByName(name string) (Sequence, bool) {
	idx, ok := c.sequenceIndex[name]
	if !ok {
		return Sequence{}, false
	}
	return c.OutputSequences[idx], true
}

// OutputByName returns the Output registered under name.
func (c *Config) OutputByName(name string) (Output, bool) {
	idx, ok := c.outputIndex[name]
	if !ok {
		return Output{}, false
	}
	return c.Outputs[idx], true
}

// OutputsInTopologicalOrder returns outputs ordered so every parent precedes
// its children, as required by the Run-Plan Builder's parent-gating pass.
func (c *Config) OutputsInTopologicalOrder() []Output {
	depth := make([]int, len(c.Outputs))
	var depthOf func(i int) int
	depthOf = func(i int) int {
		if !c.Outputs[i].HasParent {
			return 0
		}
		return 1 + depthOf(c.Outputs[i].ParentIdx)
	}
	for i := range c.Outputs {
		depth[i] = depthOf(i)
	}

	ordered := make([]Output, len(c.Outputs))
	copy(ordered, c.Outputs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return depth[ordered[i].Index] < depth[ordered[j].Index]
	})
	return ordered
}

// String renders the configuration as pretty-printed YAML, used for startup
// diagnostics logging.
func (c *Config) String() string {
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	_ = enc.Encode(c)
	_ = enc.Close()
	return b.String()
}
