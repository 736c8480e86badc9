package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/events"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

type dispatchFixture struct {
	deliveries *memDeliveries
	campaigns  *memCampaigns
	contacts   *memContacts
	api        *fakeTransport
	smtp       *fakeTransport
	publisher  *recordingPublisher
	clock      *fixedClock
	dispatcher *Dispatcher
}

func newDispatchFixture(withAPI, fallback bool) *dispatchFixture {
	f := &dispatchFixture{
		deliveries: newMemDeliveries(),
		campaigns:  newMemCampaigns(runningCampaign(10, 1, 0)),
		contacts: newMemContacts(
			&model.Contact{ID: 1, TeamID: 1, Name: "Ana", Surname: "Lopez", Email: "ana@mail.io"},
			&model.Contact{ID: 2, TeamID: 1, Name: "Bad", Email: "bad-address"},
		),
		api:       &fakeTransport{name: transport.ProviderMailgun, clicks: true},
		smtp:      &fakeTransport{name: transport.ProviderSMTP},
		publisher: &recordingPublisher{},
		clock:     &fixedClock{t: t0},
	}

	var api transport.Transport
	if withAPI {
		api = f.api
	}
	strategy := transport.NewStrategy(api, f.smtp, fallback, nil)
	composer := mustComposer(tracking.NewBuilder("https://t.mail.io", "secret"),
		config.MailConfig{FromAddress: "news@mail.io", FromName: "News"})
	breaker := NewBreaker(f.deliveries, f.campaigns, NewClassifier(), f.publisher,
		config.BreakerConfig{Threshold: 3, WindowMinutes: 10}, nil)
	breaker.Now = f.clock.Now

	f.dispatcher = NewDispatcher(f.deliveries, f.campaigns, f.contacts, strategy, composer, breaker, f.publisher, nil)
	f.dispatcher.Now = f.clock.Now
	return f
}

func (f *dispatchFixture) pending(contactID int64, scheduled time.Time) *model.Delivery {
	return f.deliveries.add(&model.Delivery{
		TeamID:      1,
		CampaignID:  10,
		ContactID:   contactID,
		Status:      model.DeliveryPending,
		ScheduledAt: &scheduled,
	})
}

func TestDispatch_Delivers(t *testing.T) {
	f := newDispatchFixture(false, true)
	d := f.pending(1, t0.Add(-time.Minute))

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Kind)
	assert.Equal(t, transport.ProviderSMTP, out.Provider)

	got := f.deliveries.get(d.ID)
	assert.Equal(t, model.DeliveryDelivered, got.Status)
	assert.Equal(t, transport.ProviderSMTP, got.EmailProvider)
	assert.Equal(t, "smtp-id", got.ProviderMessageID)
	require.NotNil(t, got.SentAt)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, *got.SentAt, *got.DeliveredAt)

	require.Equal(t, 1, f.smtp.calls())
	msg := f.smtp.sent[0]
	assert.Equal(t, "ana@mail.io", msg.To)
	assert.Equal(t, "Ana Lopez", msg.ToName)
	assert.Contains(t, msg.HTML, "Hi Ana")
	assert.Len(t, f.publisher.ofType(events.DeliveryDelivered), 1)
}

func TestDispatch_DefersUntilScheduled(t *testing.T) {
	f := newDispatchFixture(true, true)
	d := f.pending(1, t0.Add(time.Hour))

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out.Kind)
	assert.Equal(t, time.Hour, out.Delay)

	assert.Zero(t, f.api.calls())
	assert.Zero(t, f.smtp.calls())
	assert.Equal(t, model.DeliveryPending, f.deliveries.get(d.ID).Status)
}

func TestDispatch_FallsBackToSMTP(t *testing.T) {
	f := newDispatchFixture(true, true)
	f.api.err = errors.New("mailgun: 503 service unavailable")
	d := f.pending(1, t0)

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Kind)

	got := f.deliveries.get(d.ID)
	assert.Equal(t, model.DeliveryDelivered, got.Status)
	assert.Equal(t, transport.ProviderSMTP, got.EmailProvider)
	assert.NotEqual(t, f.api.Name(), got.EmailProvider)
	assert.Equal(t, 1, f.api.calls())
	assert.Equal(t, 1, f.smtp.calls())
}

func TestDispatch_ClickRewritingOnlyForDirectTransport(t *testing.T) {
	content := `<html><body><a href="https://shop.io/sale">Sale</a></body></html>`

	f := newDispatchFixture(true, true)
	f.campaigns.byID[10].Content = content
	f.campaigns.byID[10].EnableClickTracking = true
	_, err := f.dispatcher.Dispatch(context.Background(), f.pending(1, t0).ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.api.calls())
	assert.Contains(t, f.api.sent[0].HTML, `href="https://shop.io/sale"`)

	f = newDispatchFixture(false, true)
	f.campaigns.byID[10].Content = content
	f.campaigns.byID[10].EnableClickTracking = true
	_, err = f.dispatcher.Dispatch(context.Background(), f.pending(1, t0).ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.smtp.calls())
	assert.Contains(t, f.smtp.sent[0].HTML, `href="https://t.mail.io/t/click/`)
	assert.NotContains(t, f.smtp.sent[0].HTML, `href="https://shop.io/sale"`)
}

func TestDispatch_APIFailureWithoutFallback(t *testing.T) {
	f := newDispatchFixture(true, false)
	f.api.err = errors.New("mailgun: 401 Unauthorized")
	d := f.pending(1, t0)

	_, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
	assert.Zero(t, f.smtp.calls())

	got := f.deliveries.get(d.ID)
	assert.Equal(t, model.DeliveryError, got.Status)
	assert.Contains(t, got.LastError(), "Unauthorized")
	assert.Len(t, f.publisher.ofType(events.DeliveryFailed), 1)
}

func TestDispatch_IsIdempotent(t *testing.T) {
	f := newDispatchFixture(false, true)
	d := f.pending(1, t0)

	_, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, out.Kind)
	assert.Equal(t, 1, f.smtp.calls())
	assert.Equal(t, model.DeliveryDelivered, f.deliveries.get(d.ID).Status)
}

func TestDispatch_AbandonsSendingDelivery(t *testing.T) {
	f := newDispatchFixture(false, true)
	d := f.pending(1, t0)
	f.deliveries.byID[d.ID].Status = model.DeliverySending

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, out.Kind)
	assert.Zero(t, f.smtp.calls())
}

func TestDispatch_RejectsInvalidContact(t *testing.T) {
	f := newDispatchFixture(false, true)

	for _, contactID := range []int64{2, 99} {
		d := f.pending(contactID, t0)
		out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, out.Kind)

		got := f.deliveries.get(d.ID)
		assert.Equal(t, model.DeliveryError, got.Status)
		assert.Equal(t, "no contact or invalid email", got.LastError())
	}
	assert.Zero(t, f.smtp.calls())
}

func TestDispatch_AbandonsPausedCampaign(t *testing.T) {
	f := newDispatchFixture(false, true)
	f.campaigns.byID[10].Active = false
	d := f.pending(1, t0)

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, out.Kind)
	assert.Equal(t, model.DeliveryPending, f.deliveries.get(d.ID).Status)
	assert.Zero(t, f.smtp.calls())
}

func TestDispatch_MissingDelivery(t *testing.T) {
	f := newDispatchFixture(false, true)

	out, err := f.dispatcher.Dispatch(context.Background(), 404)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, out.Kind)
}

func TestDispatch_PersistFailureIsNotRetried(t *testing.T) {
	f := newDispatchFixture(false, true)
	f.deliveries.markDeliveredErr = errors.New("connection reset")
	d := f.pending(1, t0)

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Kind)
	assert.Equal(t, 1, f.smtp.calls())
}

func TestDispatch_CriticalFailuresPauseCampaign(t *testing.T) {
	f := newDispatchFixture(false, true)
	f.smtp.err = errors.New("535 Invalid credentials")

	for i := int64(0); i < 3; i++ {
		f.contacts.byID[10+i] = &model.Contact{ID: 10 + i, TeamID: 1, Email: "c" + strings.Repeat("x", int(i)) + "@mail.io"}
		_, err := f.dispatcher.Dispatch(context.Background(), f.pending(10+i, t0).ID)
		require.Error(t, err)
		f.clock.Advance(3 * time.Minute)
	}
	assert.False(t, f.campaigns.active(10))
	assert.Len(t, f.publisher.ofType(events.CampaignPaused), 1)

	// queued deliveries of the paused campaign are now abandoned
	f.smtp.err = nil
	out, err := f.dispatcher.Dispatch(context.Background(), f.pending(1, t0).ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, out.Kind)
}

func TestDispatch_MarksErrorAfterAttemptTimeout(t *testing.T) {
	f := newDispatchFixture(false, true)
	f.smtp.err = context.DeadlineExceeded
	d := f.pending(1, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.dispatcher.Dispatch(ctx, d.ID)
	require.Error(t, err)
	assert.Equal(t, model.DeliveryError, f.deliveries.get(d.ID).Status)
}

type brokenRenderer struct{}

func (brokenRenderer) Render(string, map[string]string) (string, error) {
	return "", errors.New("unterminated placeholder")
}

func TestDispatch_RejectsUnrenderableContentBeforeClaim(t *testing.T) {
	f := newDispatchFixture(false, true)
	f.dispatcher.Composer.Renderer = brokenRenderer{}
	d := f.pending(1, t0)

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)

	got := f.deliveries.get(d.ID)
	assert.Equal(t, model.DeliveryError, got.Status)
	assert.Contains(t, got.LastError(), "unterminated placeholder")
	assert.Nil(t, got.SentAt)
	assert.Zero(t, f.smtp.calls())
	assert.True(t, f.campaigns.active(10))
}

func TestDispatch_SendsContentWithTemplateMarkup(t *testing.T) {
	f := newDispatchFixture(false, true)
	f.campaigns.byID[10].Content = "<p>Hi {{name}}, use code {%OFF%} today</p>"
	d := f.pending(1, t0)

	out, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out.Kind)
	require.Equal(t, 1, f.smtp.calls())
	assert.Equal(t, "<p>Hi Ana, use code {%OFF%} today</p>", f.smtp.sent[0].HTML)
}

func TestDispatch_UnrecordedSendErrorIsPermanent(t *testing.T) {
	f := newDispatchFixture(false, true)
	f.smtp.err = errors.New("421 try again later")
	f.deliveries.markErrorFailures = 1
	d := f.pending(1, t0)

	_, err := f.dispatcher.Dispatch(context.Background(), d.ID)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorContains(t, err, "421")
	assert.Equal(t, model.DeliverySending, f.deliveries.get(d.ID).Status)

	// recorded errors stay retryable
	f.smtp.err = errors.New("421 try again later")
	d2 := f.pending(1, t0)
	_, err = f.dispatcher.Dispatch(context.Background(), d2.ID)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, model.DeliveryError, f.deliveries.get(d2.ID).Status)
}
