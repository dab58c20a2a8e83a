// Package config handles loading and validating the dispenser relay configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (DISPENSER_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - MQTT passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Serial.Path)
package config
