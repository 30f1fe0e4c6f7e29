// Package notify delivers task reminders to their assignees.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/rs/zerolog"

	"task-reminder/internal/config"
	"task-reminder/internal/models"
)

// Dispatcher sends a single notification. A nil error means the message was
// handed to the transport; any error leaves the reminder pending.
type Dispatcher interface {
	Send(ctx context.Context, to, subject, body string) error
}

type DispatcherFunc func(ctx context.Context, to, subject, body string) error

func (f DispatcherFunc) Send(ctx context.Context, to, subject, body string) error {
	return f(ctx, to, subject, body)
}

const DueDateLayout = "Mon, 02 Jan 2006 15:04 MST"

var reminderTemplate = template.Must(template.New("reminder").Parse(`<h2>Task Reminder</h2>
<p>Your task "{{.Title}}" is due soon.</p>
{{if .Description}}<p><strong>Description:</strong> {{.Description}}</p>
{{end}}<p><strong>Due Date:</strong> {{.DueDate}}</p>
<p><strong>Priority:</strong> {{.Priority}}</p>
<p>Please log in to the system to update the task status.</p>
`))

type Reminder struct {
	Subject string
	Body    string
}

func ReminderSubject(task *models.Task) string {
	return fmt.Sprintf("Reminder: Task \"%s\" is due soon", task.Title)
}

// ReminderMessage renders the reminder email for a task.
func ReminderMessage(task *models.Task) (Reminder, error) {
	var buf bytes.Buffer
	err := reminderTemplate.Execute(&buf, struct {
		Title       string
		Description string
		DueDate     string
		Priority    string
	}{
		Title:       task.Title,
		Description: task.Description,
		DueDate:     task.DueDate.UTC().Format(DueDateLayout),
		Priority:    task.Priority,
	})
	if err != nil {
		return Reminder{}, fmt.Errorf("failed to render reminder: %w", err)
	}
	return Reminder{Subject: ReminderSubject(task), Body: buf.String()}, nil
}

// New builds the production dispatcher: SMTP when a host is configured, the
// log dispatcher otherwise, behind a circuit breaker.
func New(cfg config.SMTPConfig, logger zerolog.Logger) (*BreakerDispatcher, error) {
	var next Dispatcher
	if cfg.Host == "" {
		logger.Warn().Msg("SMTP_HOST not set, reminders will only be logged")
		next = NewLogDispatcher(logger)
	} else {
		smtp, err := NewSMTPDispatcher(cfg, logger)
		if err != nil {
			return nil, err
		}
		next = smtp
	}

	breaker := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      cfg.BreakerMaxFailures,
		Timeout:          cfg.BreakerTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	})
	return NewBreakerDispatcher(next, breaker, logger), nil
}

// LogDispatcher writes reminders to the log instead of sending them.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Info().
		Str("to", to).
		Str("subject", subject).
		Time("logged_at", time.Now().UTC()).
		Msg("reminder (not sent, no SMTP host)")
	return nil
}
