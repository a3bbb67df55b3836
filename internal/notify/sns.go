package notify

import (
	"context"
	"fmt"
)

// SNSPublisher abstracts the AWS SNS Publish call for testability.
type SNSPublisher interface {
	Publish(ctx context.Context, topicARN, subject, message string) (messageID string, err error)
}

// SNSSender announces results to an AWS SNS topic.
type SNSSender struct {
	publisher SNSPublisher
	topicARN  string
}

// NewSNSSender creates an SNSSender publishing to the given topic.
func NewSNSSender(publisher SNSPublisher, topicARN string) *SNSSender {
	return &SNSSender{publisher: publisher, topicARN: topicARN}
}

func (s *SNSSender) Name() string { return "sns" }

func (s *SNSSender) Send(ctx context.Context, ownerID, message string, meta map[string]any) error {
	subject := "chrono notification"
	if name, ok := meta["jobName"].(string); ok && name != "" {
		subject = fmt.Sprintf("chrono: %s", name)
	}
	if _, err := s.publisher.Publish(ctx, s.topicARN, subject, fmt.Sprintf("[%s] %s", ownerID, message)); err != nil {
		return fmt.Errorf("sns: publish: %w", err)
	}
	return nil
}
