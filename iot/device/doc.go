// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package device is the simulated sensor behind the hub connection.

A Device owns one State that three concurrent parties share: the direct method handlers
(TurnFanOn, TurnFanOff) switch the fan, the cloud-to-device message receiver records the
last message text, and the Publisher samples a Reading from the state once per second and
sends it as telemetry. The handlers are called on the transport's goroutines while the
publisher runs in the foreground until its context is cancelled.

Startup order in Run is: register handlers, run the file upload once, publish telemetry.

The telemetry payload is a JSON object

	{"Temperature":21.3,"Humidity":40.2,"Pressure":1011.7,"Luminosity":250.1,
	 "Motion":false,"BatteryLevel":87.5,"FanOn":true,"LastC2DMessage":"hello"}

LastC2DMessage is the empty string until the first message has been received.
*/
package device
