// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import "sync"

// State is the mutable device state shared by command handlers, the message receiver
// and the telemetry publisher
type State struct {
	mu          sync.RWMutex
	fanOn       bool
	lastMessage *string
}

// Snapshot is a consistent copy of State
type Snapshot struct {
	FanOn bool
	// LastMessage is nil until a message has been received
	LastMessage *string
}

// NewState returns a state with the fan off and no message received
func NewState() *State {
	return &State{}
}

// SetFanOn switches the fan
func (s *State) SetFanOn(on bool) {
	s.mu.Lock()
	s.fanOn = on
	s.mu.Unlock()
}

// SetLastMessage records the text of the last received message
func (s *State) SetLastMessage(text string) {
	s.mu.Lock()
	s.lastMessage = &text
	s.mu.Unlock()
}

// Snapshot returns both fields as observed at one point in time
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{FanOn: s.fanOn, LastMessage: s.lastMessage}
}
