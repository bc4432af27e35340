/*
Package config loads the fleetd YAML configuration over built-in
defaults. All tuning knobs for the watchdogs, command bus, and billing
live here; a missing config file means the defaults run unchanged.
*/
package config
