package mailing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/condition"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/pkg/logger"
)

// TemplateStore loads stored templates. GetTemplate returns an error wrapping
// automation.ErrTemplateNotFound for unknown ids.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*domain.EmailTemplate, error)
}

// EmailSender is the subset of the SES v2 client the gateway uses.
type EmailSender interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES client and default sender identity.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	FromEmail        string
	FromName         string
	ConfigurationSet string
}

// NewSESClient builds an SES v2 client. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewSESClient(ctx context.Context, cfg SESConfig) (*sesv2.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

// Gateway implements automation.MailGateway on top of SES.
type Gateway struct {
	sender    EmailSender
	templates TemplateStore
	renderer  *Renderer
	cfg       SESConfig
	log       *logger.Logger
}

// NewGateway wires a gateway. A nil renderer gets a fresh one.
func NewGateway(sender EmailSender, templates TemplateStore, renderer *Renderer, cfg SESConfig) *Gateway {
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Gateway{
		sender:    sender,
		templates: templates,
		renderer:  renderer,
		cfg:       cfg,
		log:       logger.With("component", "mail_gateway"),
	}
}

// Send renders templateID for sub and submits it. Subscribers that can no
// longer receive mail are skipped without error. Render failures are
// permanent; SES failures are returned as-is for the scheduler to retry.
func (g *Gateway) Send(ctx context.Context, sub *domain.Subscriber, templateID string, data map[string]any) error {
	if !mailable(sub.Status) {
		g.log.Info("skipping send", "subscriber_id", sub.ID, "status", string(sub.Status), "template_id", templateID)
		return nil
	}

	tpl, err := g.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return err
	}

	vars := condition.Merge(data, map[string]any{"subscriber": sub.Attributes()})
	version := strconv.FormatInt(tpl.UpdatedAt.UnixNano(), 10)
	render := func(part, src string) (string, error) {
		if src == "" {
			return "", nil
		}
		out, err := g.renderer.Render(tpl.ID+":"+part+":"+version, src, vars)
		if err != nil {
			return "", automation.Permanent(fmt.Errorf("template %s %s: %w", tpl.ID, part, err))
		}
		return out, nil
	}

	subject, err := render("subject", tpl.Subject)
	if err != nil {
		return err
	}
	htmlBody, err := render("html", tpl.HTMLContent)
	if err != nil {
		return err
	}
	textBody, err := render("text", tpl.TextContent)
	if err != nil {
		return err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(g.from(tpl)),
		Destination:      &types.Destination{ToAddresses: []string{sub.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("template_id"), Value: aws.String(tpl.ID)},
			{Name: aws.String("subscriber_id"), Value: aws.String(sub.ID)},
		},
	}
	if htmlBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")}
	}
	if textBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(textBody), Charset: aws.String("UTF-8")}
	}
	if g.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(g.cfg.ConfigurationSet)
	}

	out, err := g.sender.SendEmail(ctx, input)
	if err != nil {
		g.log.Warn("ses send failed", "email", sub.Email, "template_id", tpl.ID, "error", err)
		err = fmt.Errorf("ses send: %w", err)
		if rejected(err) {
			return automation.Permanent(err)
		}
		return err
	}

	g.log.Info("email sent", "email", sub.Email, "template_id", tpl.ID, "message_id", aws.ToString(out.MessageId))
	return nil
}

func (g *Gateway) from(tpl *domain.EmailTemplate) string {
	email, name := tpl.FromEmail, tpl.FromName
	if email == "" {
		email, name = g.cfg.FromEmail, g.cfg.FromName
	}
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// rejected reports whether SES refused the message for a reason a resend
// cannot fix. Throttling, pauses and service errors stay retryable.
func rejected(err error) bool {
	var (
		msgRejected   *types.MessageRejected
		badRequest    *types.BadRequestException
		fromNotVerify *types.MailFromDomainNotVerifiedException
		notFound      *types.NotFoundException
		suspended     *types.AccountSuspendedException
	)
	return errors.As(err, &msgRejected) ||
		errors.As(err, &badRequest) ||
		errors.As(err, &fromNotVerify) ||
		errors.As(err, &notFound) ||
		errors.As(err, &suspended)
}

func mailable(s domain.SubscriberStatus) bool {
	switch s {
	case domain.SubscriberUnsubscribed, domain.SubscriberBounced, domain.SubscriberComplained:
		return false
	default:
		return true
	}
}
