package common

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var version string

// Version returns the release version of the binary.
func Version() string {
	return strings.TrimSpace(version)
}

// ServerName identifies this daemon in the HTTP Server header and in the MQTT
// client ID.
func ServerName() string {
	return "marstekd/" + Version()
}
