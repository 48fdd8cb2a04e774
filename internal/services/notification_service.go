package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// Notifier delivers authentication mail to account holders
type Notifier interface {
	SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error
	SendLockoutNotice(ctx context.Context, email string, blockedUntil time.Time) error
}

// AWSSESNotifier sends notifications using AWS SES
type AWSSESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESNotifier creates a new AWS SES notifier
func NewAWSSESNotifier(region, fromAddress string, logger *slog.Logger) (*AWSSESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// SendOTP mails the one-time login code to the account holder
func (s *AWSSESNotifier) SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error {
	minutes := int(time.Until(expiresAt).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}

	textBody := fmt.Sprintf(`Your login code

Use this code to finish signing in:

    %s

The code expires in %d minutes and can only be used once.

If you did not try to sign in, someone else entered your password. Change it now.
`, code, minutes)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
    <h2>Your login code</h2>
    <p>Use this code to finish signing in:</p>
    <p style="font-size: 28px; letter-spacing: 6px; font-weight: bold;">%s</p>
    <p>The code expires in %d minutes and can only be used once.</p>
    <p><strong>If you did not try to sign in</strong>, someone else entered your password. Change it now.</p>
</body>
</html>
`, code, minutes)

	return s.send(ctx, email, "Your login code", textBody, htmlBody, "otp")
}

// SendLockoutNotice tells the account holder their account was temporarily
// locked after repeated failed attempts
func (s *AWSSESNotifier) SendLockoutNotice(ctx context.Context, email string, blockedUntil time.Time) error {
	until := blockedUntil.UTC().Format("15:04 MST")

	textBody := fmt.Sprintf(`Your account has been temporarily locked

We noticed several failed sign-in attempts on your account, so sign-in is
disabled until %s.

No action is needed if this was you. If it was not, change your password as
soon as the lock lifts.
`, until)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
    <h2>Your account has been temporarily locked</h2>
    <p>We noticed several failed sign-in attempts on your account, so sign-in is disabled until <strong>%s</strong>.</p>
    <p>No action is needed if this was you. If it was not, change your password as soon as the lock lifts.</p>
</body>
</html>
`, until)

	return s.send(ctx, email, "Your account has been temporarily locked", textBody, htmlBody, "lockout")
}

func (s *AWSSESNotifier) send(ctx context.Context, email, subject, textBody, htmlBody, kind string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send notification via SES",
			slog.String("kind", kind),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("notification sent",
		slog.String("kind", kind),
		slog.String("message_id", *result.MessageId))

	return nil
}
