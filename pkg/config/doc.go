// Package config loads the YAML configuration of a Castellan master.
// Defaults apply when no file is given; command line flags override both.
package config
