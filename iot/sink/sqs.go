// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sink

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
)

// SQSAPI is implemented by *sqs.Client
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS queues upload notifications for downstream processing. Telemetry is not forwarded.
type SQS struct {
	client   SQSAPI
	queueURL string
}

// NewSQS returns a sink sending to queueURL. endpoint overrides the SQS endpoint, e.g. for
// localstack.
func NewSQS(ctx context.Context, region, queueURL, endpoint string) (*SQS, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.EndpointResolver = sqs.EndpointResolverFunc(func(region string, _ sqs.EndpointResolverOptions) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
			})
		}
	})
	return NewSQSWithClient(client, queueURL), nil
}

// NewSQSWithClient returns a sink sending with client
func NewSQSWithClient(client SQSAPI, queueURL string) *SQS {
	return &SQS{client: client, queueURL: queueURL}
}

// Telemetry implements Sink and does nothing
func (s *SQS) Telemetry(context.Context, TelemetryRecord) error {
	return nil
}

// UploadCompleted implements Sink
func (s *SQS) UploadCompleted(ctx context.Context, n UploadNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"deviceId": {DataType: aws.String("String"), StringValue: aws.String(n.DeviceID)},
			"type":     {DataType: aws.String("String"), StringValue: aws.String("upload")},
		},
	})
	return err
}
