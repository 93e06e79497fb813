// Package config loads the YAML configuration for tvstream binaries.
//
// Values of the form ${VAR} are expanded from the environment before parsing,
// so secrets such as the auth token can stay out of the file.
package config
