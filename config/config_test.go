package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	c := Default()
	c.DeviceID = "11111111-1111-1111-1111-111111111111"
	require.NoError(t, c.Validate())
}

func TestValidateRejectsCloudWithoutURL(t *testing.T) {
	c := Default()
	c.DeviceID = "d"
	c.Environment = EnvironmentCloud
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownEnvironment(t *testing.T) {
	c := Default()
	c.DeviceID = "d"
	c.Environment = "bogus"
	require.Error(t, c.Validate())
}

func TestLoadFillsDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"environment": "cloud",
		"url": "wss://relay.example.com/ws",
		"device_id": "mac-11111111-1111-1111-1111-111111111111",
		"lan_port": 7475
	}`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, EnvironmentCloud, c.Environment)
	require.Equal(t, DefaultRoundTripTimeoutMS, c.RoundTripTimeoutMS)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"environment":"lan","device_id":"d","lan_port":1,"bogus_field":1}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestHTTPHeaderSetsDeviceID(t *testing.T) {
	c := Default()
	c.DeviceID = "dev-123"
	h := c.HTTPHeader()
	require.Equal(t, "dev-123", h.Get("X-Device-Id"))
}
