// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package kss stores uploaded files outside of the devhub. Devices never talk to a driver
// directly, they receive pre-signed URLs. There are two drivers: a local file system and
// AWS S3.
package kss

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/mux"
)

// Method is the HTTP method a pre-signed URL is valid for
type Method string

// Supported methods
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the key storage service
type Driver interface {
	// GetPreSignedURL returns a URL that can be used with method on key until expireIn has passed
	GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error)
	Delete(key string) error
}

// DriverType represents the different type of drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// Configuration contains the configuration for the key storage service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem driver
type LocalConfiguration struct {
	BasePath string
	// SigningKey for the URL tokens. A random key is generated when empty.
	SigningKey []byte
}

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
	// Endpoint overrides the S3 endpoint, e.g. for localstack
	Endpoint string
}

// New returns the driver selected by config. The local driver registers its routes on router
// and hands out URLs below publicURL.
func New(router *mux.Router, config Configuration, publicURL url.URL) (Driver, error) {
	switch config.DriverType {
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("missing local configuration")
		}
		return NewLocalFilesystem(router, *config.LocalConfiguration, publicURL)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("missing S3 configuration")
		}
		return NewS3(*config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown driver type '%s'", config.DriverType)
}
