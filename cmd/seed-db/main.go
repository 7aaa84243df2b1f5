package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/auth"
	"github.com/xenking/kart-discounts/internal/domain/cart"
	"github.com/xenking/kart-discounts/internal/domain/customer"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/product"
	"github.com/xenking/kart-discounts/internal/handler"
	"github.com/xenking/kart-discounts/internal/storage/postgres"
)

type seedProduct struct {
	id       int64
	name     string
	price    string
	category string
}

var catalog = []seedProduct{
	{id: 1, name: "Waffle with Berries", price: "6.50", category: "Waffle"},
	{id: 2, name: "Vanilla Bean Crème Brûlée", price: "7.00", category: "Crème Brûlée"},
	{id: 3, name: "Macaron Mix of Five", price: "8.00", category: "Macaron"},
	{id: 4, name: "Classic Tiramisu", price: "5.50", category: "Tiramisu"},
	{id: 5, name: "Pistachio Baklava", price: "4.00", category: "Baklava"},
	{id: 6, name: "Lemon Meringue Pie", price: "5.00", category: "Pie"},
	{id: 7, name: "Red Velvet Cake", price: "4.50", category: "Cake"},
	{id: 8, name: "Salted Caramel Brownie", price: "4.50", category: "Brownie"},
	{id: 9, name: "Vanilla Panna Cotta", price: "6.50", category: "Panna Cotta"},
}

var customers = []customer.Customer{
	{ID: 1, Email: "alice@example.com", Name: "Alice"},
	{ID: 2, Email: "bob@example.com", Name: "Bob"},
}

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("KART_SEED_API_KEY")
	}
	if apiKey == "" {
		lg.Fatal("API key is required: set --api-key or KART_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, apiKey, apiKeyPepper); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, apiKey, pepper string) error {
	lg.Info("Connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products := postgres.NewProductRepository(pool)
	if err := seedCatalog(ctx, lg, products); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	if err := seedCustomers(ctx, lg, postgres.NewCustomerRepository(pool), postgres.NewCartRepository(pool)); err != nil {
		return errors.Wrap(err, "seed customers")
	}
	if err := seedDiscounts(ctx, lg, postgres.NewDiscountRepository(pool)); err != nil {
		return errors.Wrap(err, "seed discounts")
	}

	keys := postgres.NewAPIKeyRepository(pool)
	if err := keys.Upsert(ctx, handler.HashKey([]byte(pepper), apiKey), "Default key", []string{auth.ScopeRead, auth.ScopeApply}); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	lg.Info("Upserted API key")
	return nil
}

func seedCatalog(ctx context.Context, lg *zap.Logger, products *postgres.ProductRepository) error {
	categories := make(map[string]int64)
	for _, p := range catalog {
		id, ok := categories[p.category]
		if !ok {
			var err error
			if id, err = products.UpsertCategory(ctx, p.category); err != nil {
				return err
			}
			categories[p.category] = id
		}
		if err := products.Upsert(ctx, product.Product{
			ID:         p.id,
			Name:       p.name,
			Price:      decimal.RequireFromString(p.price),
			CategoryID: &id,
		}); err != nil {
			return err
		}
	}
	lg.Info("Upserted catalog",
		zap.Int("products", len(catalog)),
		zap.Int("categories", len(categories)),
	)
	return nil
}

func seedCustomers(ctx context.Context, lg *zap.Logger, repo *postgres.CustomerRepository, carts *postgres.CartRepository) error {
	for _, c := range customers {
		if err := repo.Upsert(ctx, c); err != nil {
			return err
		}
	}

	// Alice starts with a cart that qualifies for the bulk discount.
	if err := carts.Replace(ctx, &cart.Cart{
		UserID: 1,
		Items: []cart.Item{
			{ProductID: 1, Quantity: 3},
			{ProductID: 3, Quantity: 2},
			{ProductID: 5, Quantity: 1},
		},
		ShippingCost: decimal.NewNullDecimal(decimal.NewFromInt(5)),
	}); err != nil {
		return err
	}
	lg.Info("Upserted customers", zap.Int("count", len(customers)))
	return nil
}

func seedDiscounts(ctx context.Context, lg *zap.Logger, repo *postgres.DiscountRepository) error {
	existing, err := repo.FindByCode(ctx, "WELCOME10")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		lg.Info("Discounts already seeded")
		return nil
	}

	now := time.Now().UTC()
	flashEnd := now.Add(72 * time.Hour)
	maxUses := 1000
	perCustomer := 1

	rules := []*discount.Discount{
		{
			Name:               "Welcome 10%",
			Code:               "WELCOME10",
			Description:        "10% off your first order",
			Kind:               discount.KindCoupon,
			Type:               discount.TypeCoupon,
			Target:             discount.TargetCart,
			ValueType:          discount.ValuePercentage,
			Value:              decimal.NewNullDecimal(decimal.NewFromInt(10)),
			MaxUses:            &maxUses,
			MaxUsesPerCustomer: &perCustomer,
			Active:             true,
			Stackable:          true,
			Coupon: &discount.CouponTerms{
				CouponCode:     "WELCOME10",
				FirstOrderOnly: true,
			},
		},
		{
			Name:             "Buy 5, save 5",
			Description:      "5 off when the cart holds five or more items",
			Kind:             discount.KindBulk,
			Type:             discount.TypeBulk,
			Target:           discount.TargetCart,
			ValueType:        discount.ValueFixedAmount,
			Value:            decimal.NewNullDecimal(decimal.NewFromInt(5)),
			MinimumCartValue: decimal.NewNullDecimal(decimal.NewFromInt(20)),
			Active:           true,
			Stackable:        true,
			Bulk:             &discount.BulkTerms{MinimumQuantity: 5},
		},
		{
			Name:                  "Flash sale",
			Code:                  "FLASH25",
			Description:           "25% off everything, no other discounts",
			Kind:                  discount.KindCoupon,
			Type:                  discount.TypeFlashSale,
			Target:                discount.TargetCart,
			ValueType:             discount.ValuePercentage,
			Value:                 decimal.NewNullDecimal(decimal.NewFromInt(25)),
			MaximumDiscountAmount: decimal.NewNullDecimal(decimal.NewFromInt(15)),
			StartDate:             &now,
			EndDate:               &flashEnd,
			Active:                true,
			Exclusive:             true,
			Coupon:                &discount.CouponTerms{CouponCode: "FLASH25"},
		},
		{
			Name:        "Summer banner",
			Description: "Seasonal banner shown on the storefront",
			Kind:        discount.KindPromotion,
			Type:        discount.TypeSeasonal,
			Target:      discount.TargetCart,
			ValueType:   discount.ValuePercentage,
			Value:       decimal.NewNullDecimal(decimal.NewFromInt(5)),
			Active:      true,
			Stackable:   true,
			Promotion: &discount.PromotionTerms{
				AutoApply:  true,
				BannerText: "Summer treats: 5% off",
			},
		},
	}
	for _, d := range rules {
		id, err := repo.Save(ctx, d)
		if err != nil {
			return err
		}
		lg.Info("Saved discount", zap.Int64("id", id), zap.String("name", d.Name))
	}
	return nil
}
