// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package hub is the device side of the IoT hub protocol.

A device connects with its connection string

	cs, err := hub.ParseConnectionString("HostName=myhub.azure-devices.net;DeviceId=sensor-1;SharedAccessKey=...")
	c, err := hub.Dial(ctx, hub.Options{ConnectionString: cs})

and then exchanges

  - telemetry, published with SendEvent on devices/{id}/messages/events/
  - cloud-to-device messages, delivered to the handler set with SetReceiveMessageHandler and
    acknowledged with Complete
  - direct methods, delivered to the handlers set with SetMethodHandler and answered on
    $iothub/methods/res/{status}/?$rid={rid}
  - file uploads, negotiated over HTTPS with GetFileUploadSASURI and CompleteFileUpload

The MQTT client id is the device id, the user name is {host}/{id}/?api-version=2021-04-12
and the password is a shared access signature, see SharedAccessSignature. The same topic
helpers and signatures are used by the devhub broker in package iot/mqtt.
*/
package hub
