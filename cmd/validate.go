package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
)

const (
	exampleSensorID = "tank-1"
	exampleLocation = "Greenhouse A"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var printDefaults bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and sensor file",
		Long: "Loads hydrowatch.yaml and the sensor configuration file and reports every problem found.\n" +
			"Invalid sensors are listed individually; the remaining sensors would still be evaluated.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if printDefaults {
				// A starter sensors.json with one sensor on the default thresholds.
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode([]conf.SensorConfig{alerting.DefaultSensorConfig(exampleSensorID, exampleLocation)})
			}

			settings, err := conf.Load(opts.configPath)
			if err != nil {
				return err
			}
			writeLine(out, "settings: ok")

			sensors, invalid, err := conf.LoadSensors(settings.Sensors.ConfigFile)
			if err != nil {
				return err
			}
			for _, e := range invalid {
				writeLine(out, "  invalid: %v", e)
			}
			writeLine(out, "sensors: %d valid, %d invalid (%s)", len(sensors), len(invalid), settings.Sensors.ConfigFile)

			var unknown int
			for _, s := range sensors {
				for _, name := range s.AlertConfig.NotificationChannels {
					if _, ok := settings.Notification.Channels[name]; !ok {
						writeLine(out, "  sensor %s references unknown channel %q", s.SensorID, name)
						unknown++
					}
				}
			}

			if len(invalid) > 0 || unknown > 0 {
				return errors.Newf("configuration has %d invalid sensors and %d unknown channel references", len(invalid), unknown).
					Component("cmd").
					Category(errors.CategoryValidation).
					Build()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printDefaults, "print-defaults", false, "print a sensors.json entry with the default thresholds and exit")
	return cmd
}
