// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"math/rand"
	"sync"
	"time"
)

// Ranges of the simulated sensors, all lower bounds are 0 and upper bounds exclusive
const (
	MaxTemperature  = 40.0
	MaxHumidity     = 100.0
	MaxPressure     = 2000.0
	MaxLuminosity   = 10000.0
	MaxBatteryLevel = 100.0
)

// Reading is one telemetry sample as sent to the hub
type Reading struct {
	Temperature    float64 `json:"Temperature"`
	Humidity       float64 `json:"Humidity"`
	Pressure       float64 `json:"Pressure"`
	Luminosity     float64 `json:"Luminosity"`
	Motion         bool    `json:"Motion"`
	BatteryLevel   float64 `json:"BatteryLevel"`
	FanOn          bool    `json:"FanOn"`
	LastC2DMessage string  `json:"LastC2DMessage"`
}

// Sampler draws readings from one long-lived random source. It is safe for concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSampler returns a sampler seeded from the clock
func NewSampler() *Sampler {
	return NewSamplerWithSeed(time.Now().UnixNano())
}

// NewSamplerWithSeed returns a deterministic sampler
func NewSamplerWithSeed(seed int64) *Sampler {
	return &Sampler{rnd: rand.New(rand.NewSource(seed))}
}

// Sample returns fresh sensor values merged with the fan and message state of snap
func (s *Sampler) Sample(snap Snapshot) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Reading{
		Temperature:  s.rnd.Float64() * MaxTemperature,
		Humidity:     s.rnd.Float64() * MaxHumidity,
		Pressure:     s.rnd.Float64() * MaxPressure,
		Luminosity:   s.rnd.Float64() * MaxLuminosity,
		Motion:       s.rnd.Intn(2) == 1,
		BatteryLevel: s.rnd.Float64() * MaxBatteryLevel,
		FanOn:        snap.FanOn,
	}
	if snap.LastMessage != nil {
		r.LastC2DMessage = *snap.LastMessage
	}
	return r
}
