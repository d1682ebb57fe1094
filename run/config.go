package quenchd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	Qt "github.com/magnetlab/quenchd/types"
)

const (
	// dwellSeconds is the fixed settle duration bracketing the ramps
	dwellSeconds = 1.0
)

// RunConfig is everything one run needs, read once from disk and
// immutable afterwards. The waveform itself is derived, not configured.
type RunConfig struct {
	ThresholdMV float64 `json:"quench_threshold_mV"`
	RampRate    float64 `json:"ramp_rate_A_per_s"`
	MaxCurrent  float64 `json:"max_current_A"`
	SourceAddr  string  `json:"source_endpoint"`
	MeterAddr   string  `json:"meter_endpoint"`
	ScriptPath  string  `json:"detector_script"`
	LogPath     string  `json:"log_path"`
	DataDir     string  `json:"data_dir"`
	ListenAddr  string  `json:"listen_addr"`
}

// LoadConfigFileName pulls a given filename config off local disk
// Validation is performed on the file before opening
func LoadConfigFileName(filename string) (*RunConfig, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// validation
	err = validateLoad(file)
	if err != nil {
		slog.Error("Validation failed", slog.Any("Error", err))
		return nil, err
	}

	return LoadConfig(file)
}

func validateLoad(file *os.File) error {
	// validate file
	info, err := file.Stat()
	if err != nil {
		slog.Error("could not stat file")
		return err
	}

	// validate size
	if info.Size() == 0 {
		slog.Error("file is empty")
		return errors.New("file is empty")
	}

	return nil
}

func LoadConfig(file *os.File) (*RunConfig, error) {
	cf, err := os.Open(file.Name())
	if err != nil {
		slog.Error("could not open file")
		return nil, err
	}
	defer cf.Close()

	var config RunConfig
	decoder := json.NewDecoder(cf)
	if err := decoder.Decode(&config); err != nil {
		slog.Error("could not decode file")
		return nil, err
	}

	if config.DataDir == "" {
		config.DataDir = "data"
	}
	return &config, nil
}

// Validate rejects a run before it can enter Configuring:
// every physical parameter must be a positive numeric and
// both instrument endpoints must be set.
func (rc *RunConfig) Validate() error {
	if rc.ThresholdMV <= 0 {
		return fmt.Errorf("quench threshold %g mV not positive", rc.ThresholdMV)
	}
	if rc.RampRate <= 0 {
		return fmt.Errorf("ramp rate %g A/s not positive", rc.RampRate)
	}
	if rc.MaxCurrent <= 0 {
		return fmt.Errorf("max current %g A not positive", rc.MaxCurrent)
	}
	if rc.SourceAddr == "" {
		return errors.New("source endpoint not set")
	}
	if rc.MeterAddr == "" {
		return errors.New("meter endpoint not set")
	}
	return nil
}

// DeriveWaveform builds the run's step sequence from the ramp rate
// and max current: two settle steps, ramp up over MaxCurrent/RampRate
// seconds, a fixed dwell at the top, ramp back down, and a tail.
func (rc *RunConfig) DeriveWaveform() Qt.Waveform {
	ramp := rc.MaxCurrent / rc.RampRate
	return Qt.Waveform{
		{TargetCurrent: 0, Duration: dwellSeconds},
		{TargetCurrent: 0, Duration: dwellSeconds},
		{TargetCurrent: rc.MaxCurrent, Duration: ramp},
		{TargetCurrent: rc.MaxCurrent, Duration: dwellSeconds},
		{TargetCurrent: 0, Duration: ramp},
		{TargetCurrent: 0, Duration: dwellSeconds},
	}
}
