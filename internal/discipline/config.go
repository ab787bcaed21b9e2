package discipline

// Config holds the loop constants. Every field is a default for a runtime
// tunable; zero values are replaced by DefaultConfig's.
type Config struct {
	// TickHz is the timer modulus, which also sets the timer trim step.
	TickHz uint32 `yaml:"-"`

	JumpThresholdNs   int32 `yaml:"jump_threshold_ns"`
	JumpCounterMax    int   `yaml:"jump_counter_max"`
	ResyncThresholdNs int32 `yaml:"resync_threshold_ns"`
	ResyncJumpNs      int32 `yaml:"resync_jump_ns"`
	HealthyNs         int32 `yaml:"healthy_threshold_ns"`

	PLLStartupFactor      int32 `yaml:"pll_startup_factor"`
	PLLStartupThresholdNs int32 `yaml:"pll_startup_threshold_ns"`
	PLLStartupSeconds     int   `yaml:"pll_startup_seconds"`
	PLLMinFactor          int32 `yaml:"pll_min_factor"`
	PLLMaxFactor          int32 `yaml:"pll_max_factor"`
	PLLRampSeconds        int   `yaml:"pll_ramp_seconds"`

	FilterMinDivisor int32 `yaml:"filter_min_divisor"`
	FilterMaxDivisor int32 `yaml:"filter_max_divisor"`

	FLLSettleSeconds int   `yaml:"fll_settle_seconds"`
	FLLWindow        int   `yaml:"fll_window"`
	FLLMinFactor     int32 `yaml:"fll_min_factor"`
	FLLMaxFactor     int32 `yaml:"fll_max_factor"`
	FLLRampSeconds   int   `yaml:"fll_ramp_seconds"`
	FLLSmoothing     int32 `yaml:"fll_smoothing"`
	FLLRateMaxPPT    int32 `yaml:"fll_rate_max_ppt"`

	OscGranularityPPT int32 `yaml:"oscillator_granularity_ppt"`
	OscMaxStepPPT     int32 `yaml:"oscillator_max_step_ppt"`
	MaxRatePPT        int64 `yaml:"max_rate_ppt"`

	HoldoverAnnealSeconds uint32 `yaml:"holdover_anneal_seconds"`

	// Seed feeds the dither generator.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the loop constants for a 10 MHz rubidium.
func DefaultConfig() Config {
	return Config{
		TickHz: 10_000_000,

		JumpThresholdNs:   1000,
		JumpCounterMax:    5,
		ResyncThresholdNs: 100_000,
		ResyncJumpNs:      10_000,
		HealthyNs:         1000,

		PLLStartupFactor:      10,
		PLLStartupThresholdNs: 50_000,
		PLLStartupSeconds:     16,
		PLLMinFactor:          100,
		PLLMaxFactor:          4000,
		PLLRampSeconds:        4,

		FilterMinDivisor: 1,
		FilterMaxDivisor: 16,

		FLLSettleSeconds: 180,
		FLLWindow:        64,
		FLLMinFactor:     100,
		FLLMaxFactor:     4000,
		FLLRampSeconds:   16,
		FLLSmoothing:     1,
		FLLRateMaxPPT:    2000,

		OscGranularityPPT: 2,
		OscMaxStepPPT:     2000,
		MaxRatePPT:        20_000_000,

		HoldoverAnnealSeconds: 3600,

		Seed: 1,
	}
}

// WithDefaults fills zero fields from DefaultConfig and repairs inverted
// bounds.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.TickHz == 0 {
		c.TickHz = d.TickHz
	}
	if c.JumpThresholdNs <= 0 {
		c.JumpThresholdNs = d.JumpThresholdNs
	}
	if c.JumpCounterMax <= 0 {
		c.JumpCounterMax = d.JumpCounterMax
	}
	if c.ResyncThresholdNs <= 0 {
		c.ResyncThresholdNs = d.ResyncThresholdNs
	}
	if c.ResyncJumpNs <= 0 {
		c.ResyncJumpNs = d.ResyncJumpNs
	}
	if c.HealthyNs <= 0 {
		c.HealthyNs = d.HealthyNs
	}
	if c.PLLStartupFactor <= 0 {
		c.PLLStartupFactor = d.PLLStartupFactor
	}
	if c.PLLStartupThresholdNs <= 0 {
		c.PLLStartupThresholdNs = d.PLLStartupThresholdNs
	}
	if c.PLLStartupSeconds <= 0 {
		c.PLLStartupSeconds = d.PLLStartupSeconds
	}
	if c.PLLMinFactor <= 0 {
		c.PLLMinFactor = d.PLLMinFactor
	}
	if c.PLLMaxFactor <= 0 {
		c.PLLMaxFactor = d.PLLMaxFactor
	}
	if c.PLLRampSeconds <= 0 {
		c.PLLRampSeconds = d.PLLRampSeconds
	}
	if c.FilterMinDivisor <= 0 {
		c.FilterMinDivisor = d.FilterMinDivisor
	}
	if c.FilterMaxDivisor <= 0 {
		c.FilterMaxDivisor = d.FilterMaxDivisor
	}
	if c.FLLSettleSeconds <= 0 {
		c.FLLSettleSeconds = d.FLLSettleSeconds
	}
	if c.FLLWindow <= 0 {
		c.FLLWindow = d.FLLWindow
	}
	if c.FLLMinFactor <= 0 {
		c.FLLMinFactor = d.FLLMinFactor
	}
	if c.FLLMaxFactor <= 0 {
		c.FLLMaxFactor = d.FLLMaxFactor
	}
	if c.FLLRampSeconds <= 0 {
		c.FLLRampSeconds = d.FLLRampSeconds
	}
	if c.FLLSmoothing <= 0 {
		c.FLLSmoothing = d.FLLSmoothing
	}
	if c.FLLRateMaxPPT <= 0 {
		c.FLLRateMaxPPT = d.FLLRateMaxPPT
	}
	if c.OscGranularityPPT <= 0 {
		c.OscGranularityPPT = d.OscGranularityPPT
	}
	if c.OscMaxStepPPT <= 0 {
		c.OscMaxStepPPT = d.OscMaxStepPPT
	}
	if c.MaxRatePPT <= 0 {
		c.MaxRatePPT = d.MaxRatePPT
	}
	if c.HoldoverAnnealSeconds == 0 {
		c.HoldoverAnnealSeconds = d.HoldoverAnnealSeconds
	}

	if c.PLLMinFactor > c.PLLMaxFactor {
		c.PLLMinFactor, c.PLLMaxFactor = c.PLLMaxFactor, c.PLLMinFactor
	}
	if c.FLLMinFactor > c.FLLMaxFactor {
		c.FLLMinFactor, c.FLLMaxFactor = c.FLLMaxFactor, c.FLLMinFactor
	}
	if c.FilterMinDivisor > c.FilterMaxDivisor {
		c.FilterMinDivisor, c.FilterMaxDivisor = c.FilterMaxDivisor, c.FilterMinDivisor
	}
	return c
}
