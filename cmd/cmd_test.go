package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	"github.com/hydrowatch/hydrowatch/internal/conf"
)

// Commands install the global logger, so these tests do not run in parallel.

func writeConfig(t *testing.T, sensors string) string {
	t.Helper()
	dir := t.TempDir()
	sensorPath := filepath.Join(dir, "sensors.json")
	require.NoError(t, os.WriteFile(sensorPath, []byte(sensors), 0o600))

	config := fmt.Sprintf(`engine:
  workers: 2
sensors:
  config_file: %s
  hot_reload: false
database:
  type: sqlite
  sqlite:
    path: %s
notification:
  channels:
    ops-chat:
      type: shoutrrr
      recipients: ["ntfy://ntfy.example.com/ops"]
api:
  enabled: false
log:
  level: error
`, sensorPath, filepath.Join(dir, "hydrowatch.db"))
	path := filepath.Join(dir, "hydrowatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidate_PrintDefaults(t *testing.T) {
	out, err := run(t, "validate", "--print-defaults")
	require.NoError(t, err)

	// The output is a sensors file the loader accepts as is.
	sensors, invalid, err := conf.ParseSensors([]byte(out))
	require.NoError(t, err)
	assert.Empty(t, invalid)
	require.Len(t, sensors, 1)
	assert.Equal(t, "tank-1", sensors[0].SensorID)
	assert.True(t, sensors[0].AlertConfig.Enabled)
	for metric := range alerting.DefaultThresholds() {
		assert.Contains(t, sensors[0].AlertConfig.Thresholds, metric)
	}
}

func TestValidate_ReportsInvalidSensors(t *testing.T) {
	config := writeConfig(t, `[
		{"sensor_id": "tank-1", "alert_config": {"enabled": true, "thresholds": {"ph": {"critical_min": 4}}, "notification_channels": ["ops-chat"]}},
		{"sensor_id": "tank-2", "alert_config": {"enabled": true, "thresholds": {"ph": {"critical_min": 4}}, "notification_channels": ["pager"]}},
		{"sensor_id": "", "alert_config": {"enabled": true, "thresholds": {"ph": {"critical_min": 4}}}}
	]`)

	out, err := run(t, "validate", "--config", config)
	require.Error(t, err)
	assert.Contains(t, out, "settings: ok")
	assert.Contains(t, out, "sensors: 2 valid, 1 invalid")
	assert.Contains(t, out, `sensor tank-2 references unknown channel "pager"`)
}

func TestValidate_OK(t *testing.T) {
	config := writeConfig(t, `[{"sensor_id": "tank-1", "alert_config": {"enabled": true, "thresholds": {"ph": {"critical_min": 4}}}}]`)

	out, err := run(t, "validate", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "sensors: 1 valid, 0 invalid")
}

func TestCycle_PrintsSummary(t *testing.T) {
	config := writeConfig(t, `[
		{"sensor_id": "tank-1", "alert_config": {"enabled": true, "thresholds": {"ph": {"critical_min": 4}}}},
		{"sensor_id": "tank-2", "alert_config": {"enabled": false}}
	]`)

	out, err := run(t, "cycle", "--config", config)
	require.NoError(t, err)

	var summary alerting.CycleSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &summary), out)
	assert.Equal(t, uint64(1), summary.Cycle)
	assert.Equal(t, 2, summary.Sensors)
	assert.Equal(t, 1, summary.Skipped)
}

func TestDismiss(t *testing.T) {
	config := writeConfig(t, `[{"sensor_id": "tank-1", "alert_config": {"enabled": true, "thresholds": {"ph": {"critical_min": 4}}}}]`)

	_, err := run(t, "dismiss", "no-such-alert", "--config", config, "--actor", "operator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	_, err = run(t, "dismiss", "no-such-alert", "--config", config)
	require.Error(t, err, "actor is required")
}

func TestRoot_UnknownConfig(t *testing.T) {
	_, err := run(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
