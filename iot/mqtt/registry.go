// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Registry maps device ids to their base64 encoded shared access keys
type Registry map[string]string

// ParseRegistry parses a comma separated list of id:key pairs, e.g.
//
//	sensor-1:c2VjcmV0,sensor-2:b3RoZXI=
func ParseRegistry(s string) (Registry, error) {
	r := Registry{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, key, ok := strings.Cut(entry, ":")
		if !ok || id == "" || key == "" {
			return nil, fmt.Errorf("invalid registry entry '%s', expected id:key", entry)
		}
		if _, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, fmt.Errorf("key of device %s is not base64: %w", id, err)
		}
		if _, ok := r[id]; ok {
			return nil, fmt.Errorf("device %s is registered twice", id)
		}
		r[id] = key
	}
	return r, nil
}

// Key returns the key of device id
func (r Registry) Key(id string) (string, bool) {
	key, ok := r[id]
	return key, ok
}
