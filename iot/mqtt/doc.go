// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package mqtt provides devhub, a local MQTT broker that speaks the device side of
the Azure IoT Hub protocol

Devices connect with their device id as client id, the IoT Hub username

	{host}/{device_id}/?api-version=2021-04-12

and a shared access signature as password. The signature is verified against the
device's key from the Registry.

Topics

A connected device may publish to

	devices/{device_id}/messages/events/{properties}
	$iothub/methods/res/{status}/?$rid={request_id}

and subscribe to

	devices/{device_id}/messages/devicebound/#
	$iothub/methods/POST/#

Everything else is denied.

Telemetry is validated against the telemetry schema and handed to a sink.Sink.
Direct methods are invoked with InvokeMethod, which publishes a request to the
device and waits for the response with the same $rid. Cloud-to-device messages
are sent with SendMessage.
*/
package mqtt
