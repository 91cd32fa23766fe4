package consumers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	embedded "github.com/minasoft/vital-alerts/internal/nats"
)

type PagerOptions struct {
	URL            string
	Timeout        time.Duration
	RetryCount     int
	RedeliverDelay time.Duration
	MaxDeliver     int
}

func DefaultPagerOptions(url string) PagerOptions {
	return PagerOptions{
		URL:            url,
		Timeout:        10 * time.Second,
		RetryCount:     2,
		RedeliverDelay: 15 * time.Second,
		MaxDeliver:     5,
	}
}

// page is the webhook body sent for every escalated alert.
type page struct {
	Event       string    `json:"event"`
	AlertID     string    `json:"alertId"`
	PatientID   string    `json:"patientId"`
	FacilityID  string    `json:"facilityId,omitempty"`
	Metric      string    `json:"metric"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	EscalatedAt time.Time `json:"escalatedAt"`
	Alert       *db.Alert `json:"alert"`
}

// EscalationPager posts escalated alerts to an on-call webhook. Failed pages are
// redelivered by JetStream up to MaxDeliver times.
type EscalationPager struct {
	js     jetstream.JetStream
	http   *resty.Client
	opts   PagerOptions
	logger *zap.Logger
}

func NewEscalationPager(js jetstream.JetStream, opts PagerOptions, logger *zap.Logger) *EscalationPager {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &EscalationPager{js: js, http: client, opts: opts, logger: logger.Named("pager")}
}

func (p *EscalationPager) Start(ctx context.Context) error {
	cfg := jetstream.ConsumerConfig{
		Durable:       "escalation-pager",
		Description:   "Pages on-call staff for escalated alerts",
		FilterSubject: embedded.AlertSubject(db.EventAlertEscalated),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    p.opts.MaxDeliver,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
	if err := consume(ctx, p.js, cfg, p.logger, p.handle); err != nil {
		return err
	}
	p.logger.Info("escalation pager started", zap.String("webhook", p.opts.URL))
	return nil
}

func (p *EscalationPager) handle(ev db.AlertEvent, msg jetstream.Msg) {
	if err := p.send(ev); err != nil {
		var delivered uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			delivered = meta.NumDelivered
		}
		if p.opts.MaxDeliver > 0 && delivered >= uint64(p.opts.MaxDeliver) {
			p.logger.Error("page abandoned after final delivery",
				zap.String("alert_id", ev.Alert.ID),
				zap.String("patient_id", ev.Alert.PatientID),
				zap.String("severity", ev.Alert.Severity),
				zap.Uint64("delivery", delivered),
				zap.Error(err))
			msg.Term()
			return
		}
		p.logger.Error("page failed",
			zap.String("alert_id", ev.Alert.ID),
			zap.String("patient_id", ev.Alert.PatientID),
			zap.Uint64("delivery", delivered),
			zap.Error(err))
		msg.NakWithDelay(p.opts.RedeliverDelay)
		return
	}
	p.logger.Info("page sent",
		zap.String("alert_id", ev.Alert.ID),
		zap.String("patient_id", ev.Alert.PatientID),
		zap.String("severity", ev.Alert.Severity))
	msg.Ack()
}

func (p *EscalationPager) send(ev db.AlertEvent) error {
	body := page{
		Event:      ev.Type,
		AlertID:    ev.Alert.ID,
		PatientID:  ev.Alert.PatientID,
		FacilityID: ev.Alert.FacilityID,
		Metric:     ev.Alert.Metric,
		Severity:   ev.Alert.Severity,
		Message:    ev.Alert.Message,
		Alert:      ev.Alert,
	}
	if ev.Alert.EscalatedAt != nil {
		body.EscalatedAt = *ev.Alert.EscalatedAt
	}

	resp, err := p.http.R().SetBody(body).Post(p.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to call pager webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("pager webhook returned %d", resp.StatusCode())
	}
	return nil
}
