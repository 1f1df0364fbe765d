package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rickgao/crm-realtime/internal/event"
	"github.com/rickgao/crm-realtime/internal/model"
	"github.com/rickgao/crm-realtime/internal/router"
)

// DomainEvent names a discrete occurrence in the surrounding business system.
type DomainEvent string

const (
	MessageSent       DomainEvent = "message_sent"
	MessageReceived   DomainEvent = "message_received"
	MessageStatus     DomainEvent = "message_status"
	CampaignStarted   DomainEvent = "campaign_started"
	CampaignProgress  DomainEvent = "campaign_progress"
	CampaignCompleted DomainEvent = "campaign_completed"
	CampaignFailed    DomainEvent = "campaign_failed"
	LeadCreated       DomainEvent = "lead_created"
	LeadUpdated       DomainEvent = "lead_updated"
	LeadAssigned      DomainEvent = "lead_assigned"
	LeadConverted     DomainEvent = "lead_converted"
	ContactUpdated    DomainEvent = "contact_updated"
	SystemAlert       DomainEvent = "system_alert"
)

// changesCounts lists events after which the dashboard snapshot is known stale.
var changesCounts = map[DomainEvent]bool{
	MessageSent:       true,
	MessageReceived:   true,
	CampaignStarted:   true,
	CampaignCompleted: true,
	CampaignFailed:    true,
	LeadCreated:       true,
	LeadConverted:     true,
}

// Known reports whether d is a recognized domain event.
func (d DomainEvent) Known() bool {
	switch d {
	case MessageSent, MessageReceived, MessageStatus,
		CampaignStarted, CampaignProgress, CampaignCompleted, CampaignFailed,
		LeadCreated, LeadUpdated, LeadAssigned, LeadConverted,
		ContactUpdated, SystemAlert:
		return true
	}
	return false
}

// HandleDomainEvent turns a named domain event into targeted deliveries,
// notifications for significant transitions, and an immediate sync when
// aggregate counts change. Unknown names are logged and ignored; a payload
// that cannot be decoded is returned as an error.
func (s *Scheduler) HandleDomainEvent(ctx context.Context, name string, data json.RawMessage) error {
	d := DomainEvent(name)
	if !d.Known() {
		s.logger.Warn("ignoring unknown domain event", "event", name)
		return nil
	}

	var err error
	switch d {
	case MessageSent, MessageReceived, MessageStatus:
		err = s.handleMessage(ctx, d, data)
	case CampaignStarted, CampaignProgress, CampaignCompleted, CampaignFailed:
		err = s.handleCampaign(ctx, d, data)
	case LeadCreated, LeadUpdated, LeadAssigned, LeadConverted:
		err = s.handleLead(ctx, d, data)
	case ContactUpdated:
		err = s.handleContact(data)
	case SystemAlert:
		err = s.handleAlert(data)
	}
	if err != nil {
		s.logger.Warn("domain event rejected", "event", name, "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}

	if changesCounts[d] {
		s.TriggerImmediateSync()
	}
	return nil
}

func (s *Scheduler) handleMessage(ctx context.Context, d DomainEvent, data json.RawMessage) error {
	var m model.MessageEvent
	if err := decode(data, &m); err != nil {
		return err
	}
	if m.ContactID == "" {
		return fmt.Errorf("contactId is required")
	}

	typ := event.TypeMessageStatusUpdate
	if d == MessageReceived {
		typ = event.TypeMessageReceived
	}
	e, err := event.New(typ, m)
	if err != nil {
		return err
	}
	e = e.To(router.ContactTopic(m.ContactID.String()))
	if m.AssignedTo != "" {
		e = e.ToUsers(m.AssignedTo.String())
	}
	s.out.Deliver(e)

	if m.Status == model.MessageFailed {
		reason := m.Error
		if reason == "" {
			reason = "delivery failed"
		}
		s.notify(ctx, model.NewNotification(model.NotifyMessageFailed, m.AssignedTo.String(),
			"Message failed",
			fmt.Sprintf("Message %s to contact %s failed: %s", m.MessageID, m.ContactID, reason),
			router.ContactTopic(m.ContactID.String()),
		))
	}
	return nil
}

func (s *Scheduler) handleCampaign(ctx context.Context, d DomainEvent, data json.RawMessage) error {
	var c model.CampaignEvent
	if err := decode(data, &c); err != nil {
		return err
	}
	if c.CampaignID == "" {
		return fmt.Errorf("campaignId is required")
	}

	typ := event.TypeCampaignProgress
	switch d {
	case CampaignCompleted:
		typ = event.TypeCampaignCompleted
	case CampaignFailed:
		typ = event.TypeCampaignFailed
	}

	e, err := event.New(typ, c)
	if err != nil {
		return err
	}
	topic := router.CampaignTopic(c.CampaignID.String())
	s.out.Deliver(e.To(topic))

	name := c.Name
	if name == "" {
		name = "Campaign " + c.CampaignID.String()
	}
	switch d {
	case CampaignCompleted:
		s.notify(ctx, model.NewNotification(model.NotifyCampaignCompleted, c.OwnerID.String(),
			"Campaign completed",
			fmt.Sprintf("%s finished: %d sent, %d delivered, %d failed", name, c.Sent, c.Delivered, c.Failed),
			topic,
		))
	case CampaignFailed:
		reason := c.Error
		if reason == "" {
			reason = "unknown error"
		}
		s.notify(ctx, model.NewNotification(model.NotifyCampaignFailed, c.OwnerID.String(),
			"Campaign failed",
			fmt.Sprintf("%s failed at %.0f%%: %s", name, c.Progress()*100, reason),
			topic,
		))
	}
	return nil
}

func (s *Scheduler) handleLead(ctx context.Context, d DomainEvent, data json.RawMessage) error {
	var l model.LeadEvent
	if err := decode(data, &l); err != nil {
		return err
	}
	if l.LeadID == "" {
		return fmt.Errorf("leadId is required")
	}
	topic := router.LeadTopic(l.LeadID.String())

	var e event.Event
	var err error
	switch d {
	case LeadCreated:
		e, err = event.New(event.TypeLeadCreated, l)
		e = e.ToRoles(model.RoleAdmin)
	case LeadAssigned:
		if l.AssignedTo == "" {
			return fmt.Errorf("assignedTo is required")
		}
		e, err = event.New(event.TypeLeadAssigned, l)
		e = e.To(topic)
	default:
		e, err = event.New(event.TypeLeadUpdated, l)
		e = e.To(topic)
	}
	if err != nil {
		return err
	}
	if l.AssignedTo != "" {
		e = e.ToUsers(l.AssignedTo.String())
	}
	s.out.Deliver(e)

	converted := d == LeadConverted || (d == LeadUpdated && l.Converted())
	if converted {
		name := l.Name
		if name == "" {
			name = "Lead " + l.LeadID.String()
		}
		s.notify(ctx, model.NewNotification(model.NotifyLeadConverted, l.AssignedTo.String(),
			"Lead converted",
			name+" was converted",
			topic,
		))
		if d == LeadUpdated {
			s.TriggerImmediateSync()
		}
	}
	return nil
}

func (s *Scheduler) handleContact(data json.RawMessage) error {
	var c model.ContactEvent
	if err := decode(data, &c); err != nil {
		return err
	}
	if c.ContactID == "" {
		return fmt.Errorf("contactId is required")
	}
	e, err := event.New(event.TypeContactUpdated, c)
	if err != nil {
		return err
	}
	s.out.Deliver(e.To(router.ContactTopic(c.ContactID.String())))
	return nil
}

func (s *Scheduler) handleAlert(data json.RawMessage) error {
	var a model.SystemAlert
	if err := decode(data, &a); err != nil {
		return err
	}
	if a.Level == "" {
		a.Level = "info"
	}
	e, err := event.New(event.TypeSystemAlert, a)
	if err != nil {
		return err
	}
	s.out.Deliver(e.ToAll())
	return nil
}

// notify records n with the notifier and pushes it to its recipient.
// Notifier failures are logged; the push still happens.
func (s *Scheduler) notify(ctx context.Context, n model.Notification) {
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("failed to record notification", "kind", n.Kind, "error", err)
		}
	}

	e, err := event.New(event.TypeNotification, n)
	if err != nil {
		s.logger.Error("build notification event", "error", err)
		return
	}
	if n.UserID != "" {
		e = e.ToUsers(n.UserID)
	} else {
		e = e.ToRoles(n.Role)
	}
	s.out.Deliver(e)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing event data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}
