package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// Milestone event types emitted by the escrow engine.
const (
	EventFunded          = "milestone.funded"
	EventReleased        = "milestone.released"
	EventDisputed        = "milestone.disputed"
	EventDisputeResolved = "milestone.dispute_resolved"
	EventRefunded        = "escrow.refunded"
)

// MilestoneEventArgs is the durable notification job enqueued inside the
// same transaction as the escrow state change it announces.
type MilestoneEventArgs struct {
	EventType    string     `json:"event_type"`
	TaskID       uuid.UUID  `json:"task_id"`
	MilestoneID  uuid.UUID  `json:"milestone_id"`
	Amount       int64      `json:"amount"`
	ClientID     uuid.UUID  `json:"client_id"`
	FreelancerID *uuid.UUID `json:"freelancer_id,omitempty"`
}

func (MilestoneEventArgs) Kind() string { return "milestone_event" }

// Mailer delivers one rendered notification email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// AccountDirectory resolves account ids to notification addresses.
type AccountDirectory interface {
	GetEmail(ctx context.Context, id uuid.UUID) (string, error)
}

// MilestoneEventWorker delivers milestone events: email to both parties and,
// when configured, a JSON webhook for the surrounding system. Delivery
// failures return an error so River retries the job.
type MilestoneEventWorker struct {
	river.WorkerDefaults[MilestoneEventArgs]
	mailer     Mailer
	directory  AccountDirectory
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewMilestoneEventWorker(mailer Mailer, directory AccountDirectory, webhookURL string, logger *slog.Logger) *MilestoneEventWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MilestoneEventWorker{
		mailer:     mailer,
		directory:  directory,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (w *MilestoneEventWorker) Work(ctx context.Context, job *river.Job[MilestoneEventArgs]) error {
	args := job.Args
	subject, body := renderEvent(args)

	recipients := []uuid.UUID{args.ClientID}
	if args.FreelancerID != nil {
		recipients = append(recipients, *args.FreelancerID)
	}
	for _, id := range recipients {
		email, err := w.directory.GetEmail(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve recipient %s: %w", id, err)
		}
		if w.mailer == nil {
			w.logger.Info("notification (no mailer configured)", "event", args.EventType, "to", email)
			continue
		}
		if err := w.mailer.Send(ctx, email, subject, body); err != nil {
			return fmt.Errorf("send %s email to %s: %w", args.EventType, email, err)
		}
	}

	if w.webhookURL != "" {
		if err := w.postWebhook(ctx, args); err != nil {
			return err
		}
	}
	return nil
}

func (w *MilestoneEventWorker) postWebhook(ctx context.Context, args MilestoneEventArgs) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post event webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("event webhook returned %d", resp.StatusCode)
	}
	return nil
}

func renderEvent(args MilestoneEventArgs) (subject, body string) {
	switch args.EventType {
	case EventFunded:
		subject = "Milestone funded"
		body = fmt.Sprintf("A milestone of %d on task %s has been funded and is held in escrow.", args.Amount, args.TaskID)
	case EventReleased:
		subject = "Milestone released"
		body = fmt.Sprintf("A milestone of %d on task %s has been released to the freelancer.", args.Amount, args.TaskID)
	case EventDisputed:
		subject = "Milestone disputed"
		body = fmt.Sprintf("A dispute was raised on a milestone of task %s. Release is blocked until it is resolved.", args.TaskID)
	case EventDisputeResolved:
		subject = "Dispute resolved"
		body = fmt.Sprintf("The dispute on task %s has been resolved.", args.TaskID)
	case EventRefunded:
		subject = "Escrow refunded"
		body = fmt.Sprintf("The escrow for task %s has been refunded to the client.", args.TaskID)
	default:
		subject = "Escrow update"
		body = fmt.Sprintf("Task %s escrow state changed: %s.", args.TaskID, args.EventType)
	}
	return subject, body
}
