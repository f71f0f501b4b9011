// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// devhub is a local stand-in for an Azure IoT hub. It runs an MQTT broker for devices and a
// REST API for file uploads, direct methods and cloud-to-device messages.
//
// use DEVHUB_DEVICES="sensor-1:c2VjcmV0LWtleS1mb3ItZGV2aHVi"
package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/iotsensor/core/csql"
	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/api"
	"github.com/relabs-tech/iotsensor/iot/kss"
	"github.com/relabs-tech/iotsensor/iot/mqtt"
	"github.com/relabs-tech/iotsensor/iot/sink"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	HostName    string `env:"DEVHUB_HOST_NAME,default=devhub.local" description:"the hub host name devices sign their tokens for"`
	Devices     string `env:"DEVHUB_DEVICES,required" description:"comma separated list of device_id:base64key"`
	MQTTAddress string `env:"DEVHUB_MQTT_ADDRESS" description:"defaults to :8883 with TLS and :1883 without"`
	TLSCertFile string `env:"DEVHUB_TLS_CERT" description:"certificate file, enables TLS for MQTT"`
	TLSKeyFile  string `env:"DEVHUB_TLS_KEY" description:"private key file, enables TLS for MQTT"`
	HTTPAddress string `env:"DEVHUB_HTTP_ADDRESS,default=:3000"`
	PublicURL   string `env:"DEVHUB_PUBLIC_URL,default=http://localhost:3000" description:"the URL devices reach the REST API with"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB, records are kept in memory when empty"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password for the Postgres DB"`
	Schema           string `env:"DEVHUB_SCHEMA,default=devhub"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers telemetry is forwarded to"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=devhub-telemetry"`

	SQSQueueURL string `env:"SQS_QUEUE_URL" description:"queue upload notifications are sent to"`
	SQSEndpoint string `env:"SQS_ENDPOINT" description:"overrides the SQS endpoint, e.g. for localstack"`
	AWSRegion   string `env:"AWS_REGION,default=eu-central-1"`

	KSSDriver     string `env:"KSS_DRIVER,default=Local" description:"Local or AWSS3"`
	KSSLocalPath  string `env:"KSS_LOCAL_PATH,default=devhub-files"`
	KSSSigningKey string `env:"KSS_SIGNING_KEY" description:"key for signing local file URLs, random when empty"`
	S3Bucket      string `env:"KSS_S3_BUCKET"`
	S3Region      string `env:"KSS_S3_REGION,default=eu-central-1"`
	S3AccessID    string `env:"KSS_S3_ACCESS_ID"`
	S3AccessKey   string `env:"KSS_S3_ACCESS_KEY"`
	S3Prefix      string `env:"KSS_S3_PREFIX"`
	S3Endpoint    string `env:"KSS_S3_ENDPOINT" description:"overrides the S3 endpoint, e.g. for minio"`
}

func (s *Service) kssConfiguration() kss.Configuration {
	config := kss.Configuration{DriverType: kss.DriverType(s.KSSDriver)}
	switch config.DriverType {
	case kss.DriverTypeLocal:
		config.LocalConfiguration = &kss.LocalConfiguration{
			BasePath:   s.KSSLocalPath,
			SigningKey: []byte(s.KSSSigningKey),
		}
	case kss.DriverTypeAWSS3:
		config.S3Configuration = &kss.S3Configuration{
			AWSBucketName: s.S3Bucket,
			AWSRegion:     s.S3Region,
			AccessID:      s.S3AccessID,
			AccessKey:     s.S3AccessKey,
			KeyPrefix:     s.S3Prefix,
			Endpoint:      s.S3Endpoint,
		}
	}
	return config
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLoggerFromString(service.LogLevel)
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := mqtt.ParseRegistry(service.Devices)
	if err != nil {
		panic(err)
	}

	var store sink.Store = sink.NewMemory(sink.DefaultMemoryCapacity)
	if service.Postgres != "" {
		db, err := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
		if err != nil {
			panic(err)
		}
		defer db.Close()
		store, err = sink.NewPostgres(ctx, db)
		if err != nil {
			panic(err)
		}
	}
	sinks := sink.Multi{store}
	if service.KafkaBrokers != "" {
		k := sink.NewKafka(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer k.Close()
		sinks = append(sinks, k)
	}
	if service.SQSQueueURL != "" {
		q, err := sink.NewSQS(ctx, service.AWSRegion, service.SQSQueueURL, service.SQSEndpoint)
		if err != nil {
			panic(err)
		}
		sinks = append(sinks, q)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)

	publicURL, err := url.Parse(service.PublicURL)
	if err != nil {
		panic(err)
	}
	driver, err := kss.New(router, service.kssConfiguration(), *publicURL)
	if err != nil {
		panic(err)
	}

	broker, err := mqtt.NewBroker(&mqtt.Builder{
		Address:  service.MQTTAddress,
		CertFile: service.TLSCertFile,
		KeyFile:  service.TLSKeyFile,
		HostName: service.HostName,
		Registry: registry,
		Sink:     sinks,
	})
	if err != nil {
		panic(err)
	}

	api.MustNewAPI(&api.Builder{
		HostName: service.HostName,
		Registry: registry,
		Driver:   driver,
		Broker:   broker,
		Sink:     sinks,
		Store:    store,
		Router:   router,
	})

	accessLog := rlog.Logger.Writer()
	defer accessLog.Close()
	server := &http.Server{
		Addr:    service.HTTPAddress,
		Handler: handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.CombinedLoggingHandler(accessLog, router)),
	}
	go func() {
		rlog.Infof("listen on %s", service.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Error("http server")
			stop()
		}
	}()

	broker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Error("http shutdown")
	}
}
