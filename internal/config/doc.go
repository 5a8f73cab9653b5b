// Package config loads the TrustyClaw runtime configuration from a JSON file
// and fills in defaults for every section the file leaves out.
package config
