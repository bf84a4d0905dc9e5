package types

import "strings"

// DeviceInfo describes a single Marstek device on the local network. It is
// either loaded from a devices file or built from a discovery response.
type DeviceInfo struct {
	Name       string `json:"name" yaml:"name"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	RemotePort int    `json:"remotePort,omitempty" yaml:"remote_port,omitempty"`
	Model      string `json:"model" yaml:"model"`
	Firmware   int    `json:"firmware" yaml:"firmware"`
	BLEMAC     string `json:"bleMac,omitempty" yaml:"ble_mac,omitempty"`
	WiFiMAC    string `json:"wifiMac,omitempty" yaml:"wifi_mac,omitempty"`
	WiFiName   string `json:"wifiName,omitempty" yaml:"wifi_name,omitempty"`
}

// MAC returns the stable key used for the device. The bluetooth MAC is
// preferred since older firmware reports an empty wifi_mac.
func (d DeviceInfo) MAC() string {
	if d.BLEMAC != "" {
		return NormalizeMAC(d.BLEMAC)
	}
	return NormalizeMAC(d.WiFiMAC)
}

// Key identifies the device in a fleet: its MAC, or the host when the MAC is
// not known yet.
func (d DeviceInfo) Key() string {
	if mac := d.MAC(); mac != "" {
		return mac
	}
	return d.Host
}

// NormalizeMAC upper-cases mac and strips separators.
func NormalizeMAC(mac string) string {
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, "-", "")
	return strings.ToUpper(mac)
}

// DeviceInfoFromPayload builds a DeviceInfo out of a Marstek.GetDevice result.
// host is the address the response came from and is used when the payload
// does not carry an ip.
func DeviceInfoFromPayload(p Payload, host string) DeviceInfo {
	d := DeviceInfo{
		Host:     host,
		Model:    p.String("device"),
		BLEMAC:   p.String("ble_mac"),
		WiFiMAC:  p.String("wifi_mac"),
		WiFiName: p.String("wifi_name"),
	}
	if ip := p.String("ip"); ip != "" && host == "" {
		d.Host = ip
	}
	if v, ok := p.Float("ver"); ok {
		d.Firmware = int(v)
	}
	d.Name = d.Model
	if d.Name == "" {
		d.Name = "Unknown"
	}
	return d
}
