// Package config handles loading and validating driver configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (MPPSOLAR_*)
//   - Validation of the loaded values
//   - Sensible defaults so the driver runs with no config file at all,
//     which is the normal case when launched by the serial service starter
//
// The configuration precedence is: defaults, then file, then environment.
package config
