// Package email delivers outbox entries as transactional emails through
// Amazon SESv2. The entry payload is a JSON message with to, subject and
// body fields.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/go-playground/validator/v10"

	"github.com/veldtbase/lib-reliable/reliable/outbox"
)

var (
	ErrClientRequired  = errors.New("ses client is required")
	ErrFromRequired    = errors.New("from address is required")
	ErrInvalidMessage  = errors.New("invalid email message payload")
	ErrToRequired      = errors.New("recipient address is required")
	ErrToInvalid       = errors.New("recipient address is invalid")
	ErrSubjectRequired = errors.New("subject is required")
	ErrBodyRequired    = errors.New("message body is required")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// API is the subset of the SESv2 client the sink uses.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Message is the expected shape of an email entry payload.
type Message struct {
	To      []string `json:"to"      validate:"required,min=1,dive,email"`
	Subject string   `json:"subject" validate:"required"`
	Body    string   `json:"body"    validate:"required_without=HTML"`
	HTML    string   `json:"html,omitempty"`
}

// Sink sends entry payloads as emails from a fixed sender address.
type Sink struct {
	client API
	from   string
}

var _ outbox.Sink = (*Sink)(nil)

// NewSink creates an email sink sending from the given address.
func NewSink(client API, from string) (*Sink, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	from = strings.TrimSpace(from)
	if from == "" {
		return nil, ErrFromRequired
	}

	return &Sink{client: client, from: from}, nil
}

// NewSinkFromConfig creates an email sink backed by a real SESv2 client.
func NewSinkFromConfig(cfg aws.Config, from string) (*Sink, error) {
	return NewSink(sesv2.NewFromConfig(cfg), from)
}

// Deliver parses the entry payload as a Message and sends it.
func (sink *Sink) Deliver(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrEntryRequired
	}

	message, err := parseMessage(entry.Payload)
	if err != nil {
		return err
	}

	body := &types.Body{
		Text: &types.Content{Data: aws.String(message.Body)},
	}
	if message.HTML != "" {
		body.Html = &types.Content{Data: aws.String(message.HTML)}
	}

	_, err = sink.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sink.from),
		Destination: &types.Destination{
			ToAddresses: message.To,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(message.Subject)},
				Body:    body,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}

	return nil
}

func parseMessage(payload []byte) (*Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}

	recipients := message.To[:0]

	for _, to := range message.To {
		to = strings.TrimSpace(to)
		if to != "" {
			recipients = append(recipients, to)
		}
	}

	message.To = recipients

	// Validate a whitespace-normalized copy so the delivered subject and
	// body stay exactly as the producer wrote them.
	normalized := message
	normalized.Subject = strings.TrimSpace(message.Subject)
	normalized.Body = strings.TrimSpace(message.Body)
	normalized.HTML = strings.TrimSpace(message.HTML)

	if err := validate.Struct(&normalized); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, mapFieldError(err))
	}

	return &message, nil
}

func mapFieldError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err
	}

	first := fieldErrors[0]

	switch first.StructField() {
	case "To":
		if first.Tag() == "email" {
			return ErrToInvalid
		}

		return ErrToRequired
	case "Subject":
		return ErrSubjectRequired
	default:
		return ErrBodyRequired
	}
}

// RetryClassifier reports malformed message payloads as permanent: the
// payload is immutable, so redelivery can never fix it.
func RetryClassifier() outbox.RetryClassifier {
	return outbox.RetryClassifierFunc(func(err error) bool {
		return errors.Is(err, ErrInvalidMessage)
	})
}
