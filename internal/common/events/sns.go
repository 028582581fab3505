// internal/common/events/sns.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// HandoffEvent tells downstream consumers that a run suggested follow-up agents.
// It is a routing hint only; nothing in this service acts on it.
type HandoffEvent struct {
	EventID    string    `json:"event_id"`
	Agent      string    `json:"agent"`
	RunID      string    `json:"run_id"`
	Confidence string    `json:"confidence"`
	Handoffs   []string  `json:"handoffs"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event HandoffEvent) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, HandoffEvent) error { return nil }

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSPublisher struct {
	client   snsAPI
	topicARN string
}

func NewSNSPublisher(ctx context.Context, region, topicARN string) (*SNSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSPublisher{client: sns.NewFromConfig(cfg), topicARN: topicARN}, nil
}

func (p *SNSPublisher) Publish(ctx context.Context, event HandoffEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String("agent handoff: " + event.Agent),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"agent": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Agent),
			},
			"handoffs": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strings.Join(event.Handoffs, ",")),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish handoff event: %w", err)
	}
	return nil
}
