// Package config provides configuration loading and validation for the transcriber service.
// Values come from built-in defaults, then a YAML file, then the deployment
// environment variables, and are validated per section.
package config
