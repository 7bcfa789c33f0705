package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentSession is the provider's checkout session: the user completes
// payment out-of-band at RedirectURL, then the session is verified by
// reference.
type PaymentSession struct {
	Reference   string
	RedirectURL string
}

// PaymentVerification is the result of a verification call, echoing the
// original metadata so the caller can finalize balances.
type PaymentVerification struct {
	Reference string
	Paid      bool
	Amount    decimal.Decimal
	Currency  string
	Metadata  map[string]string
}

// PaymentClient talks to the hosted payment provider. Form-encoded
// requests, bearer-key auth. No retries here.
type PaymentClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewPaymentClient(baseURL, apiKey string) *PaymentClient {
	return &PaymentClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

type paymentSessionJSON struct {
	ID       string            `json:"id"`
	URL      string            `json:"url"`
	Status   string            `json:"payment_status"`
	Amount   int64             `json:"amount_total"` // minor units
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

// CreateSession opens a checkout session for an amount+currency and
// returns the redirect URL for out-of-band completion.
func (p *PaymentClient) CreateSession(
	ctx context.Context,
	amount decimal.Decimal,
	currency string,
	metadata map[string]string,
) (*PaymentSession, error) {
	form := url.Values{}
	form.Set("amount", amount.Shift(2).Truncate(0).String()) // minor units
	form.Set("currency", strings.ToLower(currency))
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var out paymentSessionJSON
	if err := p.do(ctx, http.MethodPost, "/checkout/sessions", form, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("create session: provider returned no session")
	}

	return &PaymentSession{Reference: out.ID, RedirectURL: out.URL}, nil
}

// VerifySession checks a session's completion status and returns the
// original metadata.
func (p *PaymentClient) VerifySession(ctx context.Context, reference string) (*PaymentVerification, error) {
	var out paymentSessionJSON
	if err := p.do(ctx, http.MethodGet, "/checkout/sessions/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, fmt.Errorf("verify session %s: %w", reference, err)
	}

	return &PaymentVerification{
		Reference: out.ID,
		Paid:      out.Status == "paid",
		Amount:    decimal.NewFromInt(out.Amount).Shift(-2),
		Currency:  strings.ToUpper(out.Currency),
		Metadata:  out.Metadata,
	}, nil
}

func (p *PaymentClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
