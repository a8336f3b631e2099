// Package conditions provides a capacity guard for job execution based on
// system metrics. Jobs are postponed while the host is over the configured
// thresholds.
package conditions

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"gopkg.in/yaml.v3"
)

// Config defines execution thresholds, loaded from a YAML file. Nil fields
// disable the corresponding check.
type Config struct {
	CPUBelow      *int           `yaml:"cpu_below,omitempty" json:"cpu_below,omitempty" jsonschema:"minimum=0,maximum=100,description=CPU usage percentage must be below this value"`
	MemoryBelow   *int           `yaml:"memory_below,omitempty" json:"memory_below,omitempty" jsonschema:"minimum=0,maximum=100,description=Memory usage percentage must be below this value"`
	LoadAvgBelow  *float64       `yaml:"loadavg_below,omitempty" json:"loadavg_below,omitempty" jsonschema:"minimum=0,description=1-minute load average must be below this value"`
	DiskFreeAbove *int           `yaml:"disk_free_above,omitempty" json:"disk_free_above,omitempty" jsonschema:"minimum=0,maximum=100,description=Free disk percentage must be above this value"`
	DiskFreePath  string         `yaml:"disk_free_path,omitempty" json:"disk_free_path,omitempty" jsonschema:"description=Path to check disk free space on (default /)"`
	Custom        string         `yaml:"custom,omitempty" json:"custom,omitempty" jsonschema:"description=Custom check script, zero exit code means conditions are met"`
	MaxPostpone   *time.Duration `yaml:"max_postpone,omitempty" json:"max_postpone,omitempty" jsonschema:"description=Maximum time to postpone execution waiting for conditions"`
	CheckInterval *time.Duration `yaml:"check_interval,omitempty" json:"check_interval,omitempty" jsonschema:"description=How often to recheck conditions while postponed"`
}

// UnmarshalYAML decodes the config, parsing duration fields from strings
// like "5m" or "90s"
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		CPUBelow      *int     `yaml:"cpu_below"`
		MemoryBelow   *int     `yaml:"memory_below"`
		LoadAvgBelow  *float64 `yaml:"loadavg_below"`
		DiskFreeAbove *int     `yaml:"disk_free_above"`
		DiskFreePath  string   `yaml:"disk_free_path"`
		Custom        string   `yaml:"custom"`
		MaxPostpone   string   `yaml:"max_postpone"`
		CheckInterval string   `yaml:"check_interval"`
	}
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.CPUBelow, c.MemoryBelow, c.LoadAvgBelow = raw.CPUBelow, raw.MemoryBelow, raw.LoadAvgBelow
	c.DiskFreeAbove, c.DiskFreePath, c.Custom = raw.DiskFreeAbove, raw.DiskFreePath, raw.Custom

	parseDur := func(s, field string) (*time.Duration, error) {
		if s == "" {
			return nil, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s duration %q: %w", field, s, err)
		}
		return &d, nil
	}

	var err error
	if c.MaxPostpone, err = parseDur(raw.MaxPostpone, "max_postpone"); err != nil {
		return err
	}
	if c.CheckInterval, err = parseDur(raw.CheckInterval, "check_interval"); err != nil {
		return err
	}
	return nil
}

// Empty reports whether no checks are configured
func (c Config) Empty() bool {
	return c.CPUBelow == nil && c.MemoryBelow == nil && c.LoadAvgBelow == nil &&
		c.DiskFreeAbove == nil && c.Custom == ""
}

// Load reads the config from a YAML file
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("failed to read conditions file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse conditions file %s: %w", path, err)
	}
	return cfg, nil
}

// Checker verifies conditions against live system metrics. The number of
// simultaneous checks is capped, metric collection is not free.
type Checker struct {
	maxConcurrent int
	semaphore     chan struct{}
}

// NewChecker creates a checker allowing up to maxConcurrent simultaneous
// checks, non-positive values fall back to 10
func NewChecker(maxConcurrent int) *Checker {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Checker{maxConcurrent: maxConcurrent, semaphore: make(chan struct{}, maxConcurrent)}
}

// Check verifies if all conditions are met.
// Returns true if conditions are satisfied, false with reason otherwise.
func (c *Checker) Check(cfg Config) (bool, string) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	default:
		return false, "condition check limit reached, try increasing --max-concurrent-checks or wait for running checks to complete"
	}

	if cfg.CPUBelow != nil {
		if ok, reason := c.checkCPU(*cfg.CPUBelow); !ok {
			return false, reason
		}
	}

	if cfg.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*cfg.MemoryBelow); !ok {
			return false, reason
		}
	}

	if cfg.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}

	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}

	if cfg.Custom != "" {
		if ok, reason := c.checkCustom(cfg.Custom); !ok {
			return false, reason
		}
	}

	return true, ""
}

// checkCPU checks if CPU usage is below threshold
func (c *Checker) checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkMemory checks if memory usage is below threshold
func (c *Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func (c *Checker) checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree checks if disk free space is above threshold
func (c *Checker) checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

// checkCustom runs a custom script and checks its exit code
func (c *Checker) checkCustom(script string) (bool, string) {
	cmd := exec.Command("sh", "-c", script)
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
