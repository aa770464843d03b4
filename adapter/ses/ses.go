// Package ses delivers email records through Amazon SES v2.
//
// The record payload is a JSON message:
//
//	{"to": ["a@example.com"], "subject": "Hi", "text": "plain body", "html": "<p>optional</p>"}
package ses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/velmie/delivery"
)

// TagIdempotencyKey is the SES message tag carrying the record idempotency key.
const TagIdempotencyKey = "delivery_idempotency_key"

var (
	// ErrFromRequired is returned when no sender address is configured.
	ErrFromRequired = errors.New("delivery ses: from address is required")
	// ErrClientRequired is returned when a nil client is provided.
	ErrClientRequired = errors.New("delivery ses: client is required")
	// ErrInvalidMessage is returned when the payload is not a usable email message.
	ErrInvalidMessage = errors.New("delivery ses: invalid message payload")
)

// Client is the subset of the SES v2 client used by the adapter.
type Client interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Message is the payload shape expected by the adapter.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html,omitempty"`
}

// Adapter implements delivery.Adapter for SES.
type Adapter struct {
	client           Client
	from             string
	configurationSet string
}

var _ delivery.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithConfigurationSet sends through the named SES configuration set.
func WithConfigurationSet(name string) Option {
	return func(a *Adapter) {
		a.configurationSet = name
	}
}

// New returns an Adapter sending from the given address.
func New(client Client, from string, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if strings.TrimSpace(from) == "" {
		return nil, ErrFromRequired
	}

	a := &Adapter{client: client, from: from}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// NewFromEnv builds an SES client from the default AWS credential chain.
func NewFromEnv(ctx context.Context, from string, opts ...Option) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("delivery ses: load aws config: %w", err)
	}

	return New(sesv2.NewFromConfig(cfg), from, opts...)
}

// Send implements delivery.Adapter.
func (a *Adapter) Send(ctx context.Context, req delivery.Request) (delivery.Response, error) {
	msg, err := decodeMessage(req.Payload)
	if err != nil {
		return delivery.Response{}, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(a.from),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body:    body(msg),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String(TagIdempotencyKey), Value: aws.String(req.IdempotencyKey)},
		},
	}
	if a.configurationSet != "" {
		input.ConfigurationSetName = aws.String(a.configurationSet)
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		if throttled(err) {
			return delivery.Response{}, &delivery.RateLimitedError{Err: err}
		}

		return delivery.Response{}, fmt.Errorf("%w: ses send: %w", delivery.ErrProviderFailure, err)
	}

	data, err := json.Marshal(map[string]string{"message_id": aws.ToString(out.MessageId)})
	if err != nil {
		return delivery.Response{}, err
	}

	return delivery.Response{OK: true, StatusCode: 200, Data: data}, nil
}

// PermanentFailures dead-letters records SES will never accept.
func PermanentFailures(_ context.Context, _ delivery.Record, err error) delivery.FailureAction {
	if errors.Is(err, ErrInvalidMessage) {
		return delivery.FailureDead
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected", "BadRequestException", "MailFromDomainNotVerifiedException":
			return delivery.FailureDead
		}
	}

	return delivery.FailureRetry
}

func decodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w: %w", delivery.ErrProviderFailure, ErrInvalidMessage, err)
	}

	to := msg.To[:0]
	for _, addr := range msg.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	msg.To = to

	switch {
	case len(msg.To) == 0:
		return Message{}, fmt.Errorf("%w: %w: no recipients", delivery.ErrProviderFailure, ErrInvalidMessage)
	case msg.Text == "" && msg.HTML == "":
		return Message{}, fmt.Errorf("%w: %w: empty body", delivery.ErrProviderFailure, ErrInvalidMessage)
	}

	return msg, nil
}

func body(msg Message) *types.Body {
	b := &types.Body{}
	if msg.Text != "" {
		b.Text = &types.Content{Data: aws.String(msg.Text)}
	}
	if msg.HTML != "" {
		b.Html = &types.Content{Data: aws.String(msg.HTML)}
	}

	return b
}

func throttled(err error) bool {
	var tooMany *types.TooManyRequestsException
	var limit *types.LimitExceededException
	if errors.As(err, &tooMany) || errors.As(err, &limit) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "TooManyRequestsException", "LimitExceededException":
			return true
		}
	}

	return false
}
