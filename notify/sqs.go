package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSOptions struct {
	QueueURL  string
	Region    string
	AccessKey string
	Secret    string
}

// SQS publishes each notification as one JSON message.
type SQS struct {
	client   sqsAPI
	queueURL string
	now      func() time.Time
}

type sqsMessage struct {
	DealID     string         `json:"dealId"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewSQS builds an SQS sink. Static credentials are used when both
// AccessKey and Secret are set, otherwise the default AWS chain.
func NewSQS(ctx context.Context, opts SQSOptions) (*SQS, error) {
	if opts.QueueURL == "" {
		return nil, fmt.Errorf("sqs notify: queue url is required")
	}

	loadOpts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.Secret != "" {
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.Secret, ""),
		))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("sqs notify: load aws config: %w", err)
	}
	return newSQS(sqs.NewFromConfig(cfg), opts.QueueURL), nil
}

func newSQS(client sqsAPI, queueURL string) *SQS {
	return &SQS{client: client, queueURL: queueURL, now: time.Now}
}

func (s *SQS) Notify(ctx context.Context, dealID, kind string, payload map[string]any) error {
	body, err := json.Marshal(sqsMessage{
		DealID:     dealID,
		Kind:       kind,
		Payload:    payload,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("sqs notify: encode %s: %w", kind, err)
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs notify: send %s for deal %s: %w", kind, dealID, err)
	}
	return nil
}
