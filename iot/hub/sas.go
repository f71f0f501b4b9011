// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const sasPrefix = "SharedAccessSignature "

// ErrInvalidSignature is returned when a shared access signature does not verify
var ErrInvalidSignature = errors.New("invalid shared access signature")

// ErrExpiredSignature is returned when a shared access signature is past its expiry
var ErrExpiredSignature = errors.New("shared access signature expired")

// DeviceResource returns the resource URI a device token is scoped to
func DeviceResource(hostName, deviceID string) string {
	return hostName + "/devices/" + deviceID
}

// SharedAccessSignature returns a token for resource signed with the base64 encoded key
func SharedAccessSignature(resource, key string, expiry time.Time) (string, error) {
	sig, err := sign(resource, key, expiry.Unix())
	if err != nil {
		return "", err
	}
	// the hub expects sr, sig, se in this order, so no url.Values
	return fmt.Sprintf("%ssr=%s&sig=%s&se=%d", sasPrefix,
		url.QueryEscape(resource), url.QueryEscape(sig), expiry.Unix()), nil
}

func sign(resource, key string, expiry int64) (string, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(url.QueryEscape(resource) + "\n" + strconv.FormatInt(expiry, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignatureClaims are the parsed fields of a shared access signature
type SignatureClaims struct {
	Resource  string
	Signature string
	Expiry    time.Time
}

// ParseSharedAccessSignature parses token without verifying it
func ParseSharedAccessSignature(token string) (SignatureClaims, error) {
	var c SignatureClaims
	if !strings.HasPrefix(token, sasPrefix) {
		return c, ErrInvalidSignature
	}
	v, err := url.ParseQuery(strings.TrimPrefix(token, sasPrefix))
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	se, err := strconv.ParseInt(v.Get("se"), 10, 64)
	if err != nil {
		return c, fmt.Errorf("%w: bad expiry", ErrInvalidSignature)
	}
	c.Resource = v.Get("sr")
	c.Signature = v.Get("sig")
	c.Expiry = time.Unix(se, 0)
	if c.Resource == "" || c.Signature == "" {
		return c, ErrInvalidSignature
	}
	return c, nil
}

// VerifySharedAccessSignature checks that token is a valid, unexpired signature of resource
// with key at time now
func VerifySharedAccessSignature(token, resource, key string, now time.Time) error {
	c, err := ParseSharedAccessSignature(token)
	if err != nil {
		return err
	}
	if c.Resource != resource {
		return fmt.Errorf("%w: resource mismatch", ErrInvalidSignature)
	}
	if now.After(c.Expiry) {
		return ErrExpiredSignature
	}
	expected, err := sign(resource, key, c.Expiry.Unix())
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(c.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}
