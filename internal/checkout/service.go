// Package checkout turns a user's cart into a provider payment preference and
// the pending order that later reconciliation correlates against.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/account"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/authz"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/cart"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/catalog"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
)

var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidCart means a cart line references a product that no longer
	// exists or is inactive.
	ErrInvalidCart = errors.New("cart references unavailable products")
)

type Store interface {
	GetUser(ctx context.Context, id string) (*account.User, error)
	GetCart(ctx context.Context, userID string) (*cart.Cart, error)
	GetProduct(ctx context.Context, id string) (*catalog.Product, error)
	CreateOrder(ctx context.Context, o *order.Order) error
}

type PreferenceCreator interface {
	CreatePreference(ctx context.Context, req gateway.PreferenceRequest) (*gateway.Preference, error)
}

type Config struct {
	NotificationURL      string
	FrontendURL          string
	MaxInstallments      int
	ExcludedPaymentTypes []string
}

type Result struct {
	OrderID          string `json:"order_id"`
	PreferenceID     string `json:"id"`
	InitPoint        string `json:"init_point,omitempty"`
	SandboxInitPoint string `json:"sandbox_init_point,omitempty"`
}

type Service struct {
	store  Store
	gw     PreferenceCreator
	authz  authz.Writer
	cfg    Config
	logger *log.Logger
}

func NewService(store Store, gw PreferenceCreator, az authz.Writer, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if az == nil {
		az = &authz.NoopClient{}
	}
	return &Service{store: store, gw: gw, authz: az, cfg: cfg, logger: logger}
}

// CreatePreference prices the user's cart, creates the provider preference
// and stores a pending order keyed by the preference id. The cart itself is
// left untouched until the payment is approved.
func (s *Service) CreatePreference(ctx context.Context, userID string) (*Result, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c.IsEmpty() {
		return nil, ErrEmptyCart
	}

	lines, err := s.price(ctx, c.Items)
	if err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	req := gateway.PreferenceRequest{
		Payer:             gateway.Payer{Name: user.Name, Email: user.Email},
		NotificationURL:   s.cfg.NotificationURL,
		AutoReturn:        "approved",
		ExternalReference: orderID,
		BackURLs: gateway.BackURLs{
			Success: s.cfg.FrontendURL + "/success",
			Failure: s.cfg.FrontendURL + "/failure",
			Pending: s.cfg.FrontendURL + "/pending",
		},
		PaymentMethods: s.paymentMethods(),
	}
	for i, it := range lines {
		req.Items = append(req.Items, gateway.PreferenceItem{
			ID:          c.Items[i].ProductID,
			Title:       it.Title,
			Description: it.Variant,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}

	pref, err := s.gw.CreatePreference(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create preference for user %s: %w", userID, err)
	}

	o := &order.Order{
		ID:                  orderID,
		UserID:              userID,
		Items:               lines,
		Buyer:               order.Buyer{Email: user.Email, Name: user.Name},
		ExternalReferenceID: pref.ID,
		PaymentStatus:       order.StatusPending,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to store order for preference %s: %w", pref.ID, err)
	}

	if err := s.authz.Write(ctx, authz.Tuple{User: authz.User(userID), Relation: "buyer", Object: "order:" + orderID}); err != nil {
		// The order exists; only the buyer's read access is missing.
		s.logger.Printf("[Checkout] Failed to grant buyer access to order %s: %v", orderID, err)
	}

	s.logger.Printf("[Checkout] Preference %s created for user %s, order %s (%d items, total %.2f)",
		pref.ID, userID, orderID, len(lines), o.Total())
	return &Result{
		OrderID:          orderID,
		PreferenceID:     pref.ID,
		InitPoint:        pref.InitPoint,
		SandboxInitPoint: pref.SandboxInitPoint,
	}, nil
}

// price freezes product name, price and variant into order lines.
func (s *Service) price(ctx context.Context, items []cart.Item) ([]order.LineItem, error) {
	lines := make([]order.LineItem, 0, len(items))
	for _, it := range items {
		p, err := s.store.GetProduct(ctx, it.ProductID)
		if errors.Is(err, catalog.ErrProductNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCart, it.ProductID)
		}
		if err != nil {
			return nil, err
		}
		if !p.Active || it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCart, it.ProductID)
		}
		lines = append(lines, order.LineItem{
			Title:     p.Name,
			Quantity:  it.Quantity,
			UnitPrice: p.Price,
			Variant:   it.Variant,
		})
	}
	return lines, nil
}

func (s *Service) paymentMethods() *gateway.PaymentMethods {
	if s.cfg.MaxInstallments <= 0 && len(s.cfg.ExcludedPaymentTypes) == 0 {
		return nil
	}
	pm := &gateway.PaymentMethods{Installments: s.cfg.MaxInstallments}
	for _, t := range s.cfg.ExcludedPaymentTypes {
		pm.ExcludedPaymentTypes = append(pm.ExcludedPaymentTypes, gateway.PaymentTypeRef{ID: t})
	}
	return pm
}
