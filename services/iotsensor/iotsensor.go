// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// iotsensor simulates an environmental sensor connected to an Azure IoT hub. It uploads
// a file once, then sends a telemetry reading every second until interrupted.
//
// The identity is read from appsettings.json
//
//	{"IoTHub": {"IoTHubName": "myhub", "DeviceId": "sensor-1", "Key": "..."}}
//
// and can be overridden with IOTHUB_NAME, IOTHUB_DEVICE_ID and IOTHUB_KEY. Point
// IOTHUB_MQTT_URL and IOTHUB_HTTP_URL to a devhub for local development.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/device"
	"github.com/relabs-tech/iotsensor/iot/hub"
	"github.com/relabs-tech/iotsensor/iot/settings"
	"github.com/relabs-tech/iotsensor/iot/upload"
)

func main() {
	s, err := settings.Load(settings.DefaultFile)
	if err != nil {
		logger.Default().Fatal(err)
	}
	logger.InitLoggerFromString(s.LogLevel)
	if err := s.Validate(); err != nil {
		logger.Default().Fatal(err)
	}

	cs, err := hub.ParseConnectionString(s.ConnectionString())
	if err != nil {
		logger.Default().Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := hub.Dial(ctx, hub.Options{
		ConnectionString: cs,
		BrokerURL:        s.IoTHub.MQTTURL,
		HTTPURL:          s.IoTHub.HTTPURL,
	})
	if err != nil {
		logger.Default().Fatalf("cannot connect to %s: %v", cs.HostName, err)
	}
	defer conn.Close()

	transfer, err := upload.NewTransfer(s.UploadTransfer)
	if err != nil {
		logger.Default().Fatal(err)
	}

	d := device.New(conn).WithUploader(upload.NewSession(s.FileUploadPath, conn, transfer))
	err = d.Run(ctx)
	sent, failed := d.Publisher().Stats()
	logger.Default().Infof("sent %d messages, %d failed", sent, failed)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Default().Fatal(err)
	}
}
