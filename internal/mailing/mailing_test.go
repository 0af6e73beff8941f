package mailing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/ignite/flow-engine/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ automation.MailGateway = (*Gateway)(nil)

type fakeSender struct {
	mu     sync.Mutex
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSender) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func newTestGateway(sender *fakeSender, tpls ...*domain.EmailTemplate) *Gateway {
	return NewGateway(sender, memory.NewTemplates(tpls...), nil, SESConfig{FromEmail: "hello@shop.test", FromName: "Shop"})
}

func cartTemplate() *domain.EmailTemplate {
	return &domain.EmailTemplate{
		ID:          "cart-reminder",
		Subject:     "{{ first_name | default: \"Friend\" }}, you left something behind",
		HTMLContent: "<p>Your cart is worth {{ cart_value | currency }}</p>",
		TextContent: "Cart: {{ cart_value }} for {{ subscriber.email_domain }}",
		UpdatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRenderer_Filters(t *testing.T) {
	r := NewRenderer()

	tests := []struct {
		src  string
		data map[string]any
		want string
	}{
		{`{{ name | default: "Friend" }}`, map[string]any{}, "Friend"},
		{`{{ name | default: "Friend" }}`, map[string]any{"name": "Ana"}, "Ana"},
		{`{{ name | capitalize }}`, map[string]any{"name": "aNA"}, "Ana"},
		{`{{ v | currency }}`, map[string]any{"v": "12.5"}, "$12.50"},
		{`{{ e | email_domain }}`, map[string]any{"e": "a@b.com"}, "b.com"},
		{`{{ s | truncate: 6 }}`, map[string]any{"s": "abcdefghij"}, "abc..."},
	}
	for _, tt := range tests {
		got, err := r.Render("", tt.src, tt.data)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}

	_, err := r.Render("", "{% if x %}no end", nil)
	assert.Error(t, err)
	assert.Error(t, r.Parse("{% for a in b %}"))
}

func TestRenderer_CacheKey(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render("k", "A {{ x }}", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "A 1", out)

	out, err = r.Render("k", "ignored because cached", map[string]any{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, "A 2", out)
}

func TestGateway_SendRendersAndSubmits(t *testing.T) {
	sender := &fakeSender{}
	g := newTestGateway(sender, cartTemplate())
	sub := &domain.Subscriber{ID: "s1", Email: "jane@example.com", FirstName: "Jane", Status: domain.SubscriberConfirmed}

	err := g.Send(context.Background(), sub, "cart-reminder", map[string]any{"first_name": "Jane", "cart_value": 80})
	require.NoError(t, err)

	require.Len(t, sender.inputs, 1)
	in := sender.inputs[0]
	assert.Equal(t, "Shop <hello@shop.test>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"jane@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Jane, you left something behind", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>Your cart is worth $80.00</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	assert.Equal(t, "Cart: 80 for example.com", aws.ToString(in.Content.Simple.Body.Text.Data))
}

func TestGateway_Errors(t *testing.T) {
	ctx := context.Background()
	sub := &domain.Subscriber{ID: "s1", Email: "jane@example.com", Status: domain.SubscriberConfirmed}

	err := newTestGateway(&fakeSender{}).Send(ctx, sub, "missing", nil)
	assert.ErrorIs(t, err, automation.ErrTemplateNotFound)
	assert.True(t, automation.IsPermanent(err))

	broken := &domain.EmailTemplate{ID: "broken", Subject: "{% if x %}no end"}
	err = newTestGateway(&fakeSender{}, broken).Send(ctx, sub, "broken", nil)
	assert.True(t, automation.IsPermanent(err), "render failures are definition errors")

	sesDown := errors.New("throttled")
	err = newTestGateway(&fakeSender{err: sesDown}, cartTemplate()).Send(ctx, sub, "cart-reminder", nil)
	assert.ErrorIs(t, err, sesDown)
	assert.False(t, automation.IsPermanent(err))
}

func TestGateway_ClassifiesSESErrors(t *testing.T) {
	ctx := context.Background()
	sub := &domain.Subscriber{ID: "s1", Email: "jane@example.com", Status: domain.SubscriberConfirmed}
	wrap := func(err error) error {
		return &smithy.OperationError{ServiceID: "SESv2", OperationName: "SendEmail", Err: err}
	}

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"message rejected", wrap(&types.MessageRejected{Message: aws.String("Email address is not verified")}), true},
		{"bad request", wrap(&types.BadRequestException{Message: aws.String("Illegal address")}), true},
		{"from domain not verified", wrap(&types.MailFromDomainNotVerifiedException{}), true},
		{"configuration set missing", wrap(&types.NotFoundException{}), true},
		{"account suspended", wrap(&types.AccountSuspendedException{}), true},
		{"throttled", wrap(&types.TooManyRequestsException{}), false},
		{"sending paused", wrap(&types.SendingPausedException{}), false},
		{"quota", wrap(&types.LimitExceededException{}), false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestGateway(&fakeSender{err: tt.err}, cartTemplate()).Send(ctx, sub, "cart-reminder", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.permanent, automation.IsPermanent(err))
		})
	}
}

func TestGateway_SkipsUnmailable(t *testing.T) {
	sender := &fakeSender{}
	g := newTestGateway(sender, cartTemplate())
	sub := &domain.Subscriber{ID: "s1", Email: "x@example.com", Status: domain.SubscriberUnsubscribed}

	require.NoError(t, g.Send(context.Background(), sub, "cart-reminder", nil))
	assert.Empty(t, sender.inputs)
}
