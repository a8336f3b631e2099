package conditions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	checker := NewChecker(0) // use default

	tests := []struct {
		name       string
		conditions Config
		wantOK     bool
		wantReason string
	}{
		{
			name:       "no conditions",
			conditions: Config{},
			wantOK:     true,
		},
		{
			name:       "cpu below threshold passes",
			conditions: Config{CPUBelow: intPtr(100)},
			wantOK:     true,
		},
		{
			name:       "memory below threshold passes",
			conditions: Config{MemoryBelow: intPtr(100)},
			wantOK:     true,
		},
		{
			name:       "disk free above threshold passes",
			conditions: Config{DiskFreeAbove: intPtr(0), DiskFreePath: "/"},
			wantOK:     true,
		},
		{
			name:       "custom script success",
			conditions: Config{Custom: "exit 0"},
			wantOK:     true,
		},
		{
			name:       "custom script failure",
			conditions: Config{Custom: "exit 1"},
			wantOK:     false,
			wantReason: "custom check failed: exit status 1",
		},
		{
			name: "multiple conditions one fails",
			conditions: Config{
				CPUBelow:      intPtr(100),
				MemoryBelow:   intPtr(100),
				DiskFreeAbove: intPtr(0),
				Custom:        "exit 1",
			},
			wantOK:     false,
			wantReason: "custom check failed: exit status 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOK, gotReason := checker.Check(tt.conditions)
			assert.Equal(t, tt.wantOK, gotOK)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, gotReason)
			}
		})
	}
}

func TestCheckMemory(t *testing.T) {
	checker := NewChecker(0)

	ok, reason := checker.checkMemory(100)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = checker.checkMemory(0)
	assert.False(t, ok)
	assert.Contains(t, reason, "memory at")
	assert.Contains(t, reason, "threshold 0%")
}

func TestCheckLoadAvg(t *testing.T) {
	checker := NewChecker(0)

	ok, reason := checker.checkLoadAvg(10000.0)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = checker.checkLoadAvg(0.0)
	assert.False(t, ok)
	assert.Contains(t, reason, "load at")
	assert.Contains(t, reason, "threshold 0.00")
}

func TestCheckDiskFree(t *testing.T) {
	checker := NewChecker(0)

	ok, reason := checker.checkDiskFree(0, "/")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = checker.checkDiskFree(101, "/")
	assert.False(t, ok)
	assert.Contains(t, reason, "disk free at")

	ok, reason = checker.checkDiskFree(10, "/non/existent/path")
	assert.False(t, ok)
	assert.Contains(t, reason, "failed to get disk usage")
}

func TestCheckCustom(t *testing.T) {
	checker := NewChecker(0)

	ok, reason := checker.checkCustom("true")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = checker.checkCustom("false")
	assert.False(t, ok)
	assert.Contains(t, reason, "custom check failed")

	ok, reason = checker.checkCustom("/non/existent/command")
	assert.False(t, ok)
	assert.Contains(t, reason, "custom check failed")
}

func TestCheckerLimits(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		expected int
	}{
		{"negative becomes 10", -1, 10},
		{"zero becomes 10", 0, 10},
		{"custom limit 5", 5, 5},
		{"custom limit 1", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(tt.limit)
			assert.Equal(t, tt.expected, checker.maxConcurrent)
			assert.Equal(t, tt.expected, cap(checker.semaphore))
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "conditions.yml")
	data := `
cpu_below: 80
loadavg_below: 4.5
disk_free_above: 10
max_postpone: 5m
check_interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.CPUBelow)
	assert.Equal(t, 80, *cfg.CPUBelow)
	require.NotNil(t, cfg.LoadAvgBelow)
	assert.InDelta(t, 4.5, *cfg.LoadAvgBelow, 0.001)
	require.NotNil(t, cfg.MaxPostpone)
	assert.Equal(t, 5*time.Minute, *cfg.MaxPostpone)
	require.NotNil(t, cfg.CheckInterval)
	assert.Equal(t, 10*time.Second, *cfg.CheckInterval)
	assert.Nil(t, cfg.MemoryBelow)
	assert.False(t, cfg.Empty())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/non/existent/conditions.yml")
	assert.Error(t, err)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("cpu_below: [broken"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	badDur := filepath.Join(tmpDir, "baddur.yml")
	require.NoError(t, os.WriteFile(badDur, []byte("max_postpone: nonsense"), 0o600))
	_, err = Load(badDur)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_postpone")
}

func TestConfigEmpty(t *testing.T) {
	assert.True(t, Config{}.Empty())
	assert.True(t, Config{MaxPostpone: durPtr(time.Minute)}.Empty(), "postpone alone configures nothing to check")
	assert.False(t, Config{CPUBelow: intPtr(50)}.Empty())
	assert.False(t, Config{Custom: "true"}.Empty())
}

// helper functions
func intPtr(i int) *int { return &i }

func durPtr(d time.Duration) *time.Duration { return &d }
