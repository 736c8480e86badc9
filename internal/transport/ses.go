package transport

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// SESAPI is the part of the SES v2 client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends through Amazon SES v2.
type SESTransport struct {
	client           SESAPI
	configurationSet string
	log              *zap.Logger
}

var _ Transport = (*SESTransport)(nil)

// NewSESTransport builds an SES client from static credentials.
func NewSESTransport(ctx context.Context, cfg config.SESConfig, log *zap.Logger, optFns ...func(*sesv2.Options)) (*SESTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg, optFns...), cfg.ConfigurationSet, log), nil
}

func NewSESTransportWithClient(client SESAPI, configurationSet string, log *zap.Logger) *SESTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &SESTransport{client: client, configurationSet: configurationSet, log: log}
}

func (s *SESTransport) Name() string { return ProviderSES }

// TracksClicks is true: SES click tracking is configured on the configuration set.
func (s *SESTransport) TracksClicks() bool { return true }

func (s *SESTransport) Send(ctx context.Context, msg *Message) (*model.SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: sesTags(msg.Tags()),
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("SES send failed: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	s.log.Debug("ses message sent", logger.Email("to", msg.To), zap.String("message_id", messageID))
	return &model.SendResult{Provider: ProviderSES, ProviderMessageID: messageID, DeliveryStatus: StatusAccepted}, nil
}

func sesTags(tags map[string]string) []types.MessageTag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageTag{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
