package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// CheckoutData is what the gateway hands back to start a client payment.
type CheckoutData struct {
	GatewayReference string `json:"gateway_reference"`
	CheckoutURL      string `json:"checkout_url"`
}

// CheckoutProvider initiates an outbound payment at the gateway. The
// reference is minted by us and echoed back on the webhook, which is how the
// event finds its payment record.
type CheckoutProvider interface {
	InitiatePayment(ctx context.Context, amountCents int64, reference string) (*CheckoutData, error)
}

// HostedCheckoutProvider creates hosted payment links over the gateway's
// HTTP API.
type HostedCheckoutProvider struct {
	baseURL    string
	apiKey     string
	successURL string
	cancelURL  string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHostedCheckoutProvider builds a provider against the gateway at
// baseURL. Returns nil when no API key is configured so callers can fall
// back to the fake provider.
func NewHostedCheckoutProvider(baseURL, apiKey, successURL, cancelURL string, logger *logging.Logger) *HostedCheckoutProvider {
	if apiKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HostedCheckoutProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type paymentLinkRequest struct {
	Reference    string `json:"reference"`
	AmountCents  int64  `json:"amount_in_cents"`
	CurrencyCode string `json:"currency"`
	SuccessURL   string `json:"success_url,omitempty"`
	CancelURL    string `json:"cancel_url,omitempty"`
}

type paymentLinkResponse struct {
	URL string `json:"url"`
}

// InitiatePayment asks the gateway for a hosted payment link.
func (p *HostedCheckoutProvider) InitiatePayment(ctx context.Context, amountCents int64, reference string) (*CheckoutData, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("payments: checkout amount must be positive")
	}

	body, err := json.Marshal(paymentLinkRequest{
		Reference:    reference,
		AmountCents:  amountCents,
		CurrencyCode: "COP",
		SuccessURL:   p.successURL,
		CancelURL:    p.cancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("payments: marshal payment link request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payment_links", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payments: build payment link request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: payment link request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("payments: read payment link response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Error("gateway rejected payment link",
			"status", resp.StatusCode,
			"reference", reference,
		)
		return nil, fmt.Errorf("payments: gateway returned status %d", resp.StatusCode)
	}

	var parsed paymentLinkResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("payments: parse payment link response: %w", err)
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("payments: gateway response missing url")
	}
	return &CheckoutData{GatewayReference: reference, CheckoutURL: parsed.URL}, nil
}

// FakeCheckoutProvider is a dev/demo provider that mints an internal URL so
// the flow works without gateway credentials. Never enable in production.
type FakeCheckoutProvider struct {
	publicBaseURL string
	logger        *logging.Logger
}

// NewFakeCheckoutProvider creates the dev provider.
func NewFakeCheckoutProvider(publicBaseURL string, logger *logging.Logger) *FakeCheckoutProvider {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeCheckoutProvider{
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		logger:        logger,
	}
}

func (p *FakeCheckoutProvider) InitiatePayment(_ context.Context, amountCents int64, reference string) (*CheckoutData, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("payments: checkout amount must be positive")
	}
	if parsed, err := url.Parse(p.publicBaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("payments: fake checkout requires an absolute PUBLIC_BASE_URL")
	}
	p.logger.Warn("using fake checkout provider", "reference", reference)
	return &CheckoutData{
		GatewayReference: reference,
		CheckoutURL:      fmt.Sprintf("%s/payments/fake/%s", p.publicBaseURL, reference),
	}, nil
}

// CheckoutService ties payment initiation to its PENDING record: the record
// is what the webhook later finalizes, so it must exist before the client is
// sent to the gateway.
type CheckoutService struct {
	records  *Repository
	provider CheckoutProvider
	logger   *logging.Logger
}

// NewCheckoutService constructs the checkout service.
func NewCheckoutService(records *Repository, provider CheckoutProvider, logger *logging.Logger) *CheckoutService {
	if records == nil {
		panic("payments: payment repository required")
	}
	if provider == nil {
		panic("payments: checkout provider required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CheckoutService{records: records, provider: provider, logger: logger}
}

// StartCheckout mints a gateway reference, initiates the payment and inserts
// the PENDING record for it.
func (s *CheckoutService) StartCheckout(ctx context.Context, appointmentID uuid.UUID, amountCents int64) (*CheckoutData, error) {
	reference := "apt-" + uuid.NewString()

	data, err := s.provider.InitiatePayment(ctx, amountCents, reference)
	if err != nil {
		return nil, err
	}

	if _, err := s.records.CreateRecord(ctx, &appointmentID, amountCents, data.GatewayReference); err != nil {
		return nil, err
	}

	s.logger.Info("checkout started",
		"appointment_id", appointmentID,
		"reference", data.GatewayReference,
		"amount_cents", amountCents,
	)
	return data, nil
}
