package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/config"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/events"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// ====================== Campaigns ======================

type memCampaigns struct {
	mu   sync.Mutex
	byID map[int64]*model.Campaign
}

func newMemCampaigns(cs ...*model.Campaign) *memCampaigns {
	m := &memCampaigns{byID: map[int64]*model.Campaign{}}
	for _, c := range cs {
		m.byID[c.ID] = c
	}
	return m
}

func (m *memCampaigns) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = int64(len(m.byID) + 1)
	m.byID[c.ID] = c
	return nil
}

func (m *memCampaigns) GetByID(_ context.Context, teamID, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok || c.TeamID != teamID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *memCampaigns) List(_ context.Context, teamID int64, offset, limit int) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.byID {
		if c.TeamID == teamID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *memCampaigns) ListRunning(_ context.Context) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.byID {
		if c.Running() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCampaigns) Activate(_ context.Context, teamID, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok || c.TeamID != teamID || c.DeletedAt != nil {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Active = true
	c.StartedAt = &at
	return nil
}

func (m *memCampaigns) Deactivate(_ context.Context, teamID, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok || c.TeamID != teamID || !c.Active {
		return false, nil
	}
	c.Active = false
	return true, nil
}

func (m *memCampaigns) active(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Active
}

// ====================== Deliveries ======================

type memDeliveries struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*model.Delivery

	markDeliveredErr  error
	markErrorCalls    int
	markErrorFailures int // MarkError fails this many times before working
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{byID: map[int64]*model.Delivery{}}
}

func (m *memDeliveries) add(d *model.Delivery) *model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	m.byID[d.ID] = d
	return d
}

func (m *memDeliveries) get(id int64) model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

func (m *memDeliveries) forCampaign(campaignID int64) []*model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Delivery
	for _, d := range m.byID {
		if d.CampaignID == campaignID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memDeliveries) Exists(_ context.Context, campaignID, contactID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byID {
		if d.CampaignID == campaignID && d.ContactID == contactID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDeliveries) LastScheduledForContact(_ context.Context, teamID, contactID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, d := range m.byID {
		if d.TeamID != teamID || d.ContactID != contactID || d.ScheduledAt == nil {
			continue
		}
		if last == nil || d.ScheduledAt.After(*last) {
			t := *d.ScheduledAt
			last = &t
		}
	}
	return last, nil
}

func (m *memDeliveries) Create(_ context.Context, d *model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.CampaignID == d.CampaignID && e.ContactID == d.ContactID {
			return appErrors.ErrDuplicateDelivery
		}
	}
	m.nextID++
	d.ID = m.nextID
	cp := *d
	m.byID[d.ID] = &cp
	return nil
}

func (m *memDeliveries) GetByID(_ context.Context, id int64) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, appErrors.NewDeliveryNotFound(id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDeliveries) ListDue(_ context.Context, now time.Time, limit int) ([]*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Delivery
	for _, d := range m.byID {
		if d.Status == model.DeliveryPending && d.DeliveredAt == nil && d.ScheduledAt != nil && !d.ScheduledAt.After(now) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memDeliveries) ListUndelivered(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, d := range m.byID {
		if d.DeliveredAt == nil {
			ids = append(ids, d.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memDeliveries) Claim(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok || d.DeliveredAt != nil || (d.Status != model.DeliveryPending && d.Status != model.DeliveryError) {
		return false, nil
	}
	d.Status = model.DeliverySending
	d.UpdatedAt = at
	return true, nil
}

func (m *memDeliveries) MarkDelivered(_ context.Context, id int64, res model.SendResult, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markDeliveredErr != nil {
		return m.markDeliveredErr
	}
	d := m.byID[id]
	if d.Status == model.DeliveryDelivered {
		return nil
	}
	d.Status = model.DeliveryDelivered
	d.EmailProvider = res.Provider
	d.ProviderMessageID = res.ProviderMessageID
	d.DeliveryStatus = res.DeliveryStatus
	d.SentAt = &at
	d.DeliveredAt = &at
	d.UpdatedAt = at
	return nil
}

func (m *memDeliveries) MarkError(_ context.Context, id int64, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markErrorCalls++
	if m.markErrorFailures > 0 {
		m.markErrorFailures--
		return errors.New("connection reset by peer")
	}
	d, ok := m.byID[id]
	if !ok || d.Status == model.DeliveryDelivered {
		return nil
	}
	d.Status = model.DeliveryError
	if d.ProviderData == nil {
		d.ProviderData = map[string]string{}
	}
	d.ProviderData[model.ProviderDataError] = reason
	d.ProviderData[model.ProviderDataErrorTime] = at.Format(time.RFC3339)
	d.UpdatedAt = at
	return nil
}

func (m *memDeliveries) CountRecentErrors(_ context.Context, campaignID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.byID {
		if d.CampaignID == campaignID && d.Status == model.DeliveryError && !d.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ====================== Contacts ======================

type memContacts struct {
	byID  map[int64]*model.Contact
	order []int64
	err   error
}

func newMemContacts(ks ...*model.Contact) *memContacts {
	m := &memContacts{byID: map[int64]*model.Contact{}}
	for _, k := range ks {
		m.byID[k.ID] = k
		m.order = append(m.order, k.ID)
	}
	return m
}

func (m *memContacts) ContactsForCampaign(_ context.Context, c *model.Campaign) ([]*model.Contact, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*model.Contact
	for _, id := range m.order {
		if k := m.byID[id]; k.TeamID == c.TeamID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memContacts) GetByID(_ context.Context, teamID, id int64) (*model.Contact, error) {
	k, ok := m.byID[id]
	if !ok || k.TeamID != teamID {
		return nil, appErrors.NewContactNotFound(id)
	}
	return k, nil
}

// ====================== Queue ======================

type enqueued struct {
	Task  queue.Task
	Delay time.Duration
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	fail  map[int64]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, task queue.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail[task.DeliveryID] {
		return context.DeadlineExceeded
	}
	q.tasks = append(q.tasks, enqueued{Task: task, Delay: delay})
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

// ====================== Transport ======================

type fakeTransport struct {
	mu     sync.Mutex
	name   string
	clicks bool
	err    error
	sent   []*transport.Message
}

func (f *fakeTransport) Name() string       { return f.name }
func (f *fakeTransport) TracksClicks() bool { return f.clicks }

func (f *fakeTransport) Send(_ context.Context, msg *transport.Message) (*model.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	return &model.SendResult{ProviderMessageID: f.name + "-id", DeliveryStatus: transport.StatusSent}, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// ====================== Events ======================

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(t string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fixedClock is a settable test clock.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ====================== Composer ======================

func mustComposer(builder *tracking.Builder, mail config.MailConfig) *Composer {
	c, err := NewComposer(nil, builder, mail)
	if err != nil {
		panic(err)
	}
	return c
}
