package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// MidtransProviderConfig configures the MidtransProvider.
type MidtransProviderConfig struct {
	ServerKey  string
	Production bool
	Logger     ProviderLogger
	Clock      func() time.Time
	SessionTTL time.Duration
	Client     snapAPI
}

// MidtransProvider opens Midtrans Snap transactions. Snap only charges IDR.
type MidtransProvider struct {
	client snapAPI
	ttl    time.Duration
	clock  func() time.Time
	logger ProviderLogger
}

// NewMidtransProvider constructs a Snap backed provider.
func NewMidtransProvider(cfg MidtransProviderConfig) (*MidtransProvider, error) {
	key := strings.TrimSpace(cfg.ServerKey)
	if key == "" && cfg.Client == nil {
		return nil, errors.New("midtrans: server key is required")
	}

	api := cfg.Client
	if api == nil {
		var c snap.Client
		env := midtrans.Sandbox
		if cfg.Production {
			env = midtrans.Production
		}
		c.New(key, env)
		api = c
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MidtransProvider{client: api, ttl: ttl, clock: clock, logger: logger}, nil
}

// CreateSession requests a Snap token. The reference becomes the Midtrans order_id, which the
// notification echoes back as the session correlation id.
func (p *MidtransProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("midtrans: provider is nil")
	}
	if !strings.EqualFold(strings.TrimSpace(req.Currency), "IDR") {
		return Session{}, fmt.Errorf("%w: midtrans cannot charge %q", ErrUnsupportedCurrency, req.Currency)
	}

	first, last := splitName(req.Customer.Name)
	request := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: req.Amount,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: first,
			LName: last,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    truncate(defaultString(req.OrderID, req.Reference), 50),
			Price: req.Amount,
			Qty:   1,
			Name:  truncate(defaultString(req.Description, "Order "+req.OrderID), 50),
		}},
		Expiry: &snap.ExpiryDetails{
			Duration: int64(p.ttl / time.Minute),
			Unit:     "minute",
		},
		CustomField1: req.OrderID,
	}
	if req.ReturnURL != "" {
		request.Callbacks = &snap.Callbacks{Finish: req.ReturnURL}
	}

	resp, merr := p.client.CreateTransaction(request)
	if merr != nil {
		if merr.StatusCode >= 400 && merr.StatusCode < 500 {
			return Session{}, fmt.Errorf("%w: midtrans: %s", ErrGatewayRejected, merr.Message)
		}
		return Session{}, fmt.Errorf("midtrans: create snap transaction: %s", merr.Message)
	}
	if resp == nil || resp.Token == "" {
		return Session{}, fmt.Errorf("%w: midtrans returned no token", ErrGatewayRejected)
	}

	p.logger(ctx, "payments.midtrans.session.created", map[string]any{
		"reference": req.Reference,
		"orderId":   req.OrderID,
		"amount":    req.Amount,
	})

	return Session{
		ID:          req.Reference,
		Provider:    "midtrans",
		RedirectURL: resp.RedirectURL,
		Token:       resp.Token,
		ExpiresAt:   p.clock().UTC().Add(p.ttl),
	}, nil
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndex(name, " "); idx > 0 {
		return name[:idx], name[idx+1:]
	}
	return name, ""
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
