package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed ota_password.text
	otaPass string
)

// SSID returns the contents of ssid.text file predefined by user in this package.
// If your program is failing to compile it is because you need to create ssid.text and password.text
// in this package's directory containing the SSID and password of the network you wish to connect to.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your wifi password should be defined outside of this repo for security reasons!
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the contents of password.text file predefined by user in this package.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your wifi password should be defined outside of this repo for security reasons!
func Password() string {
	return strings.TrimSpace(pass)
}

// OTAPassword returns the shared secret update pushes must answer the
// challenge with. Empty disables the challenge.
//
// Deprecated: Marked as deprecated so IDE warns users against its use.
func OTAPassword() string {
	return strings.TrimSpace(otaPass)
}
