// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package settings loads the device configuration from appsettings.json and the environment.
//
// The file holds the IoT hub identity in the layout
//
//	{
//	  "IoTHub": { "IoTHubName": "myhub", "DeviceId": "sensor-1", "Key": "base64key==" }
//	}
//
// Every value can be overridden by an environment variable, see the env tags below.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
)

// DefaultFile is the settings file read by the iotsensor service
const DefaultFile = "appsettings.json"

// DefaultHostSuffix is appended to the hub name to form the hub host name
const DefaultHostSuffix = "azure-devices.net"

// IoTHub is the device identity on the hub
type IoTHub struct {
	IoTHubName string `json:"IoTHubName" env:"IOTHUB_NAME"`
	DeviceID   string `json:"DeviceId" env:"IOTHUB_DEVICE_ID"`
	Key        string `json:"Key" env:"IOTHUB_KEY"`
	HostSuffix string `json:"HostSuffix" env:"IOTHUB_HOST_SUFFIX"`
	// MQTTURL overrides the broker, e.g. tcp://localhost:1883 for the devhub
	MQTTURL string `json:"MqttUrl" env:"IOTHUB_MQTT_URL"`
	// HTTPURL overrides the REST base URL, e.g. http://localhost:3000 for the devhub
	HTTPURL string `json:"HttpUrl" env:"IOTHUB_HTTP_URL"`
}

// Settings holds the complete device configuration
type Settings struct {
	IoTHub         IoTHub `json:"IoTHub"`
	FileUploadPath string `json:"-" env:"FILE_UPLOAD_PATH,default=upload_me.txt"`
	UploadTransfer string `json:"-" env:"UPLOAD_TRANSFER,default=auto" description:"auto, azblob or put"`
	LogLevel       string `json:"-" env:"LOG_LEVEL,default=info"`
}

// Load reads path (if it exists) and overlays the environment. A missing file is not an
// error as long as the environment supplies the identity; call Validate to check.
func Load(path string) (*Settings, error) {
	s := &Settings{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("cannot parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}
	if s.IoTHub.HostSuffix == "" {
		s.IoTHub.HostSuffix = DefaultHostSuffix
	}
	return s, nil
}

// Validate reports every missing identity value at once
func (s *Settings) Validate() error {
	var missing []string
	if s.IoTHub.IoTHubName == "" {
		missing = append(missing, "IoTHub:IoTHubName")
	}
	if s.IoTHub.DeviceID == "" {
		missing = append(missing, "IoTHub:DeviceId")
	}
	if s.IoTHub.Key == "" {
		missing = append(missing, "IoTHub:Key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing settings: %s", strings.Join(missing, ", "))
	}
	switch s.UploadTransfer {
	case "auto", "azblob", "put":
	default:
		return fmt.Errorf("invalid UPLOAD_TRANSFER '%s', expected auto, azblob or put", s.UploadTransfer)
	}
	return nil
}

// HostName returns the fully qualified hub host name
func (s *Settings) HostName() string {
	return s.IoTHub.IoTHubName + "." + s.IoTHub.HostSuffix
}

// ConnectionString returns the device connection string for the hub
func (s *Settings) ConnectionString() string {
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=%s", s.HostName(), s.IoTHub.DeviceID, s.IoTHub.Key)
}
