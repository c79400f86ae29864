package backplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/logger"
)

const receiveWaitSeconds = 10

// AWS broadcasts through an SNS topic with one SQS queue per relay instance
// bound to it. The queue is created at startup (queue prefix + instance id)
// and deleted on Close; frames published while an instance holds no queue
// subscription are gone for good, which is the backplane contract.
type AWS struct {
	*registry
	snsCli *sns.Client
	sqsCli *sqs.Client

	topicARN string
	queueURL string
	subARN   string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAWS creates the per-instance queue, subscribes it to the topic and
// starts the receive loop.
func NewAWS(ctx context.Context, cfg config.AWSConfig) (*AWS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("backplane aws config: %w", err)
	}

	a := &AWS{
		registry: newRegistry(),
		snsCli:   sns.NewFromConfig(awsCfg),
		sqsCli:   sqs.NewFromConfig(awsCfg),
		topicARN: cfg.TopicARN,
		done:     make(chan struct{}),
	}

	queueName := cfg.QueuePrefix + a.origin
	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": "sns.amazonaws.com"},
    "Action": "sqs:SendMessage",
    "Resource": "*",
    "Condition": {"ArnEquals": {"aws:SourceArn": %q}}
  }]
}`, cfg.TopicARN)

	created, err := a.sqsCli.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(queueName),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNamePolicy): policy,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("backplane aws create queue: %w", err)
	}
	a.queueURL = aws.ToString(created.QueueUrl)

	attrs, err := a.sqsCli.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       created.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		a.deleteQueue()
		return nil, fmt.Errorf("backplane aws queue arn: %w", err)
	}
	queueARN := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	subOut, err := a.snsCli.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(cfg.TopicARN),
		Protocol: aws.String("sqs"),
		Endpoint: aws.String(queueARN),
		Attributes: map[string]string{
			"RawMessageDelivery": "true",
		},
	})
	if err != nil {
		a.deleteQueue()
		return nil, fmt.Errorf("backplane aws subscribe: %w", err)
	}
	a.subARN = aws.ToString(subOut.SubscriptionArn)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.receive(runCtx)
	return a, nil
}

// receive long-polls the instance queue and dispatches frames.
func (a *AWS) receive(ctx context.Context) {
	defer close(a.done)
	for ctx.Err() == nil {
		out, err := a.sqsCli.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(a.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     receiveWaitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("backplane aws receive: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range out.Messages {
			if msg.Body != nil {
				a.dispatchFrame([]byte(*msg.Body))
			}
			if _, err := a.sqsCli.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(a.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil && ctx.Err() == nil {
				logger.Errorf("backplane aws delete message: %v", err)
			}
		}
	}
}

// Publish delivers locally and pushes the frame through SNS for the other
// instance queues. SNS cannot report remote subscribers, so the count covers
// local delivery only.
func (a *AWS) Publish(ctx context.Context, room string, data []byte) (int, error) {
	local := a.dispatch(room, data)

	f, err := a.encodeFrame(room, data)
	if err != nil {
		return local, fmt.Errorf("backplane aws encode: %w", err)
	}
	if _, err := a.snsCli.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Message:  aws.String(string(f)),
	}); err != nil {
		return local, fmt.Errorf("backplane aws publish %s: %w", room, err)
	}
	return local, nil
}

// Subscribe joins the local room table; the instance queue receives every
// room, so transport membership is per instance, filtered at dispatch.
func (a *AWS) Subscribe(_ context.Context, room string) (*Subscription, error) {
	return a.subscribe(room)
}

// Close unsubscribes, deletes the instance queue and stops the receive loop.
func (a *AWS) Close() error {
	a.cancel()
	<-a.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.subARN != "" && !strings.EqualFold(a.subARN, "pending confirmation") {
		if _, err := a.snsCli.Unsubscribe(ctx, &sns.UnsubscribeInput{
			SubscriptionArn: aws.String(a.subARN),
		}); err != nil {
			logger.Errorf("backplane aws unsubscribe: %v", err)
		}
	}
	a.deleteQueue()
	return nil
}

func (a *AWS) deleteQueue() {
	if a.queueURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.sqsCli.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: aws.String(a.queueURL),
	}); err != nil {
		logger.Errorf("backplane aws delete queue: %v", err)
	}
}
