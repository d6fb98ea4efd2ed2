// Package config defines the provisioning settings and provides helpers to
// load, validate and save them in YAML format.
//
// Every field defaults to the value the deepspeech binding has always used,
// so a configuration file is optional.
package config
