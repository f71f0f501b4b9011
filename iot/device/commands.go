// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotsensor/core/logger"
	"github.com/relabs-tech/iotsensor/iot/hub"
)

// Direct methods understood by the device
const (
	MethodTurnFanOn  = "TurnFanOn"
	MethodTurnFanOff = "TurnFanOff"
)

// Commands executes the direct methods against the device state
type Commands struct {
	state *State
}

// NewCommands returns the command handler for state
func NewCommands(state *State) *Commands {
	return &Commands{state: state}
}

// Names returns the direct methods handled by Commands
func (c *Commands) Names() []string {
	return []string{MethodTurnFanOn, MethodTurnFanOff}
}

// HandleMethod implements hub.MethodHandler. The payload is ignored.
func (c *Commands) HandleMethod(ctx context.Context, req hub.MethodRequest) hub.MethodResponse {
	rlog := logger.FromContext(ctx)
	switch req.Name {
	case MethodTurnFanOn:
		c.state.SetFanOn(true)
		rlog.Info("Fan turned on.")
	case MethodTurnFanOff:
		c.state.SetFanOn(false)
		rlog.Info("Fan turned off.")
	default:
		rlog.Warnf("Unknown direct method: %s", req.Name)
		return hub.UnknownMethod(req.Name)
	}
	body, _ := json.Marshal(map[string]string{"result": "Executed direct method: " + req.Name})
	return hub.MethodResponse{Status: http.StatusOK, Payload: body}
}
