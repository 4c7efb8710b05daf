// Package notify alerts operators when a job lands in the dead letter.
// Dead-lettered jobs are terminal and invisible to retries, so a human has
// to look at them. This is the "no job silently disappears" guarantee.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"github.com/crawlpool/crawlpool/internal/domain"
)

type Sender interface {
	DeadLetter(ctx context.Context, job *domain.Job)
}

// LogSender logs alerts instead of emailing them. Used in ENV=local.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) DeadLetter(_ context.Context, job *domain.Job) {
	s.logger.Warn("job dead-lettered",
		"job_id", job.ID,
		"kind", job.Payload.Kind,
		"attempts", job.Attempts,
		"last_error", deref(job.LastError),
	)
}

// ResendSender emails alerts via the Resend API in staging/production.
// Delivery is best effort: a failed alert is logged, never retried, and
// never affects the job's state.
type ResendSender struct {
	client *resend.Client
	from   string
	to     string
	logger *slog.Logger
}

func (s *ResendSender) DeadLetter(ctx context.Context, job *domain.Job) {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{s.to},
		Subject: fmt.Sprintf("[crawlpool] job %s dead-lettered", job.ID),
		Html: fmt.Sprintf(
			"<p>Job <code>%s</code> (%s) exhausted its retry budget after %d attempts.</p><p>Last error: %s</p>",
			job.ID, job.Payload.Kind, job.Attempts, deref(job.LastError),
		),
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		s.logger.Error("send dead-letter alert", "job_id", job.ID, "error", err)
	}
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from, to string, logger *slog.Logger) Sender {
	if env == "local" || apiKey == "" {
		return &LogSender{logger: logger}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     to,
		logger: logger,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
