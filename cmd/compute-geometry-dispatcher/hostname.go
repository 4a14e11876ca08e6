package main

import "os"

var envHostname = os.Getenv("HOSTNAME")

// hostname derives an OS hostname to report as the logger's instance ID.
// If the HOSTNAME env var is set, it is used, else os.Hostname().
func hostname() string {
	if envHostname != "" {
		return envHostname
	}
	h, _ := os.Hostname()
	return h
}
