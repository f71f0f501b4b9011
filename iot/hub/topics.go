// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// APIVersion is the hub protocol version used on MQTT and REST
const APIVersion = "2021-04-12"

// MethodSubscription is the topic filter for direct method requests
const MethodSubscription = "$iothub/methods/POST/#"

// ErrUnexpectedTopic is returned by the topic parsers for foreign topics
var ErrUnexpectedTopic = errors.New("unexpected topic")

const (
	methodRequestPrefix  = "$iothub/methods/POST/"
	methodResponsePrefix = "$iothub/methods/res/"
)

// Username returns the MQTT user name for a device
func Username(hostName, deviceID string) string {
	return hostName + "/" + deviceID + "/?api-version=" + APIVersion
}

// TelemetryTopic returns the device-to-cloud topic with system properties encoded
func TelemetryTopic(deviceID string, props map[string]string) string {
	return "devices/" + deviceID + "/messages/events/" + encodeProperties(props)
}

// ParseTelemetryTopic returns the device id and properties of a telemetry topic
func ParseTelemetryTopic(topic string) (deviceID string, props map[string]string, err error) {
	return parseDeviceTopic(topic, "/messages/events/")
}

// C2DSubscription is the topic filter a device subscribes to for cloud-to-device messages
func C2DSubscription(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/#"
}

// C2DTopic returns the topic a cloud-to-device message is delivered on
func C2DTopic(deviceID string, props map[string]string) string {
	return "devices/" + deviceID + "/messages/devicebound/" + encodeProperties(props)
}

// ParseC2DTopic returns the device id and properties of a cloud-to-device topic
func ParseC2DTopic(topic string) (deviceID string, props map[string]string, err error) {
	return parseDeviceTopic(topic, "/messages/devicebound/")
}

// MethodRequestTopic returns the topic a direct method request is published on
func MethodRequestTopic(name, rid string) string {
	return methodRequestPrefix + name + "/?$rid=" + rid
}

// ParseMethodRequestTopic returns method name and request id
func ParseMethodRequestTopic(topic string) (name, rid string, err error) {
	if !strings.HasPrefix(topic, methodRequestPrefix) {
		return "", "", fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	s := strings.TrimPrefix(topic, methodRequestPrefix)
	i := strings.Index(s, "/?")
	if i <= 0 {
		return "", "", fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	q, err := url.ParseQuery(s[i+2:])
	if err != nil {
		return "", "", err
	}
	if q.Get("$rid") == "" {
		return "", "", fmt.Errorf("%w: missing $rid in %s", ErrUnexpectedTopic, topic)
	}
	return s[:i], q.Get("$rid"), nil
}

// MethodResponseTopic returns the topic a device answers a direct method on
func MethodResponseTopic(status int, rid string) string {
	return methodResponsePrefix + strconv.Itoa(status) + "/?$rid=" + rid
}

// ParseMethodResponseTopic returns status and request id of a method response
func ParseMethodResponseTopic(topic string) (status int, rid string, err error) {
	if !strings.HasPrefix(topic, methodResponsePrefix) {
		return 0, "", fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	s := strings.TrimPrefix(topic, methodResponsePrefix)
	i := strings.Index(s, "/?")
	if i <= 0 {
		return 0, "", fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	status, err = strconv.Atoi(s[:i])
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad status in %s", ErrUnexpectedTopic, topic)
	}
	q, err := url.ParseQuery(s[i+2:])
	if err != nil {
		return 0, "", err
	}
	return status, q.Get("$rid"), nil
}

func parseDeviceTopic(topic, infix string) (string, map[string]string, error) {
	if !strings.HasPrefix(topic, "devices/") {
		return "", nil, fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	s := strings.TrimPrefix(topic, "devices/")
	i := strings.Index(s, infix)
	if i <= 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	props, err := decodeProperties(s[i+len(infix):])
	if err != nil {
		return "", nil, err
	}
	return s[:i], props, nil
}

func encodeProperties(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// system property names like $.ct are sent verbatim, only values are escaped
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + url.QueryEscape(props[k])
	}
	return strings.Join(parts, "&")
}

func decodeProperties(s string) (map[string]string, error) {
	props := map[string]string{}
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return props, nil
	}
	q, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("cannot parse topic properties: %w", err)
	}
	for k := range q {
		props[k] = q.Get(k)
	}
	return props, nil
}
