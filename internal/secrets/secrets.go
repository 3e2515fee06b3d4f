// Package secrets holds the handful of credentials a device image needs
// at boot: the WiFi network to join for network-triggered loads, and the
// password gating the debug console. Each value lives in its own embedded
// text file so a board can be provisioned without touching Go source.
//
// This package is NOT meant to carry real secrets in version control,
// the .text files here are placeholders. A production build replaces them
// at image-build time from a provisioning system, not from this repo.
package secrets

import _ "embed"

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the WiFi network name to join for a network-triggered load.
//
// Deprecated: placeholder for local development only. Provision real
// credentials outside of version control.
func SSID() string {
	return ssid
}

// Password returns the WiFi network password.
//
// Deprecated: placeholder for local development only. Provision real
// credentials outside of version control.
func Password() string {
	return pass
}

// ConsolePassword returns the password gating the debug console.
//
// Deprecated: placeholder for local development only. Provision real
// credentials outside of version control.
func ConsolePassword() string {
	return consolePass
}
