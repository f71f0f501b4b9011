// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

import (
	"fmt"
	"strings"
)

// ConnectionString is a parsed device connection string of the form
//
//	HostName=<hub>.azure-devices.net;DeviceId=<device>;SharedAccessKey=<base64 key>
type ConnectionString struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string
}

// ParseConnectionString parses s. Unknown keys are ignored, missing ones are an error.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// the key itself is base64 and may end with '='
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return cs, fmt.Errorf("malformed connection string segment '%s'", part)
		}
		switch kv[0] {
		case "HostName":
			cs.HostName = kv[1]
		case "DeviceId":
			cs.DeviceID = kv[1]
		case "SharedAccessKey":
			cs.SharedAccessKey = kv[1]
		}
	}
	switch {
	case cs.HostName == "":
		return cs, fmt.Errorf("connection string is missing HostName")
	case cs.DeviceID == "":
		return cs, fmt.Errorf("connection string is missing DeviceId")
	case cs.SharedAccessKey == "":
		return cs, fmt.Errorf("connection string is missing SharedAccessKey")
	}
	return cs, nil
}

// String formats the connection string
func (cs ConnectionString) String() string {
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=%s", cs.HostName, cs.DeviceID, cs.SharedAccessKey)
}

// Resource is the SAS resource URI of the device
func (cs ConnectionString) Resource() string {
	return DeviceResource(cs.HostName, cs.DeviceID)
}
