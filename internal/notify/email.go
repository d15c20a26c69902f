package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// EmailMessage is one email to be sent.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// EmailSender sends emails. Implementations can be swapped without changing
// the notifier.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SendGridSender sends emails via the SendGrid API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// SendGridConfig holds SendGrid credentials and sender identity.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender creates a SendGrid sender, or nil when no key is set.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = "ZenzSpa"
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

// Send delivers one email via SendGrid.
func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, msg.Body)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		s.logger.Error("sendgrid send failed", "error", err, "to", msg.To)
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if response.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected message", "status", response.StatusCode, "to", msg.To)
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}
	return nil
}

// ErrNoContact means the recipient has no known email address.
var ErrNoContact = errors.New("notify: no contact on file")

// AddressBook resolves a recipient id to a deliverable email address.
type AddressBook interface {
	EmailFor(ctx context.Context, recipient uuid.UUID) (address, name string, err error)
}

// PostgresAddressBook reads contact details from the contacts table.
type PostgresAddressBook struct {
	db storage.DB
}

// NewPostgresAddressBook creates an address book backed by pgx.
func NewPostgresAddressBook(pool *pgxpool.Pool) *PostgresAddressBook {
	if pool == nil {
		panic("notify: pgx pool required")
	}
	return &PostgresAddressBook{db: pool}
}

// NewPostgresAddressBookWithDB allows injecting pgxmock for tests.
func NewPostgresAddressBookWithDB(db storage.DB) *PostgresAddressBook {
	return &PostgresAddressBook{db: db}
}

func (b *PostgresAddressBook) EmailFor(ctx context.Context, recipient uuid.UUID) (string, string, error) {
	query := `SELECT email, name FROM contacts WHERE id = $1`
	var address, name string
	err := storage.Querier(ctx, b.db).QueryRow(ctx, query, recipient).Scan(&address, &name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNoContact
		}
		return "", "", fmt.Errorf("notify: load contact: %w", err)
	}
	return address, name, nil
}

// EmailNotifier delivers booking events by email. Failures are logged and
// dropped: notification delivery never feeds back into the booking flow.
type EmailNotifier struct {
	sender    EmailSender
	addresses AddressBook
	logger    *logging.Logger
}

// NewEmailNotifier constructs an email-backed notifier.
func NewEmailNotifier(sender EmailSender, addresses AddressBook, logger *logging.Logger) *EmailNotifier {
	if sender == nil {
		panic("notify: email sender required")
	}
	if addresses == nil {
		panic("notify: address book required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EmailNotifier{sender: sender, addresses: addresses, logger: logger}
}

func (n *EmailNotifier) Notify(ctx context.Context, eventType string, recipient uuid.UUID, metadata map[string]string) {
	address, name, err := n.addresses.EmailFor(ctx, recipient)
	if err != nil {
		if !errors.Is(err, ErrNoContact) {
			n.logger.Error("contact lookup failed", "error", err, "recipient", recipient)
		}
		return
	}

	subject, body := renderEmail(eventType, metadata)
	if subject == "" {
		return
	}
	if err := n.sender.Send(ctx, EmailMessage{To: address, ToName: name, Subject: subject, Body: body}); err != nil {
		n.logger.Error("notification email failed", "error", err, "event_type", eventType, "recipient", recipient)
	}
}

func renderEmail(eventType string, metadata map[string]string) (subject, body string) {
	switch eventType {
	case EventAppointmentConfirmed:
		return "Your appointment is confirmed",
			fmt.Sprintf("Your appointment on %s is confirmed. We look forward to seeing you.", metadata["start_time"])
	case EventAppointmentCancelled:
		return "Your appointment was cancelled",
			fmt.Sprintf("Your appointment has been cancelled. Credit issued: %s cents.", metadata["credit_cents"])
	case EventAppointmentRescheduled:
		return "Your appointment was rescheduled",
			fmt.Sprintf("Your appointment has been moved to %s.", metadata["start_time"])
	case EventAppointmentExpired:
		return "Your reservation expired",
			"Your slot was released because payment was not completed in time. You can book again at any moment."
	default:
		return "", ""
	}
}
