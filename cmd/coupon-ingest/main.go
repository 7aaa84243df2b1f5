// Command coupon-ingest loads bulk coupon codes from gzip files into the
// discounts table. A code is accepted when it appears in at least
// --min-files of the inputs.
package main

import (
	"bufio"
	"context"
	"flag"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/storage/postgres"
)

const progressEvery = 10_000_000

type options struct {
	pattern     string
	databaseURL string
	capacity    uint
	fpr         float64
	minFiles    int
	minLen      int
	maxLen      int
	dryRun      bool

	valueType   string
	value       string
	maxUses     int
	validDays   int
	singleUse   bool
	stackable   bool
	description string
}

func main() {
	var opts options
	flag.StringVar(&opts.pattern, "files", "data/couponbase*.gz", "glob of gzip files with one code per line")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.capacity, "capacity", 120_000_000, "expected number of codes per file")
	flag.Float64Var(&opts.fpr, "fpr", 0.001, "bloom filter false positive rate")
	flag.IntVar(&opts.minFiles, "min-files", 2, "number of files a code must appear in")
	flag.IntVar(&opts.minLen, "min-len", 8, "minimum code length")
	flag.IntVar(&opts.maxLen, "max-len", 10, "maximum code length")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "report accepted codes without writing them")
	flag.StringVar(&opts.valueType, "value-type", string(discount.ValuePercentage), "percentage or fixed_amount")
	flag.StringVar(&opts.value, "value", "10", "discount value of every ingested coupon")
	flag.IntVar(&opts.maxUses, "max-uses", 0, "global redemption limit per coupon, 0 for unlimited")
	flag.IntVar(&opts.validDays, "valid-days", 0, "days the coupons stay valid, 0 for no end date")
	flag.BoolVar(&opts.singleUse, "single-use", true, "mark coupons single use")
	flag.BoolVar(&opts.stackable, "stackable", false, "allow coupons to combine with other discounts")
	flag.StringVar(&opts.description, "description", "Promo code", "description stored on every coupon")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Coupon ingest failed", zap.Error(err))
	}
	lg.Info("Coupon ingest completed")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	template, err := opts.template(time.Now().UTC())
	if err != nil {
		return err
	}

	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrap(err, "expand file pattern")
	}
	switch {
	case len(files) == 0:
		return errors.Errorf("no files match %q", opts.pattern)
	case len(files) > bits.UintSize:
		return errors.Errorf("at most %d files are supported, got %d", bits.UintSize, len(files))
	case opts.minFiles > len(files):
		return errors.Errorf("min-files %d exceeds the %d input files", opts.minFiles, len(files))
	}

	s := &scanner{lg: lg, opts: opts, files: files}

	lg.Info("Pass 1: building filters", zap.Strings("files", files))
	if err := s.buildFilters(ctx); err != nil {
		return errors.Wrap(err, "build filters")
	}

	lg.Info("Pass 2: collecting shared codes")
	codes, err := s.sharedCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "collect codes")
	}
	lg.Info("Accepted codes", zap.Int("count", len(codes)))

	if opts.dryRun || len(codes) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return writeCoupons(ctx, lg, postgres.NewDiscountRepository(pool), codes, template)
}

// template builds the rule every ingested code is stored with.
func (o options) template(now time.Time) (discount.Discount, error) {
	vt := discount.ValueType(o.valueType)
	if vt != discount.ValuePercentage && vt != discount.ValueFixedAmount {
		return discount.Discount{}, errors.Errorf("unsupported value type %q", o.valueType)
	}
	value, err := decimal.NewFromString(o.value)
	if err != nil {
		return discount.Discount{}, errors.Wrap(err, "parse value")
	}

	d := discount.Discount{
		Description: o.description,
		Kind:        discount.KindCoupon,
		Type:        discount.TypeCoupon,
		Target:      discount.TargetCart,
		ValueType:   vt,
		Value:       decimal.NewNullDecimal(value),
		Active:      true,
		Stackable:   o.stackable,
		StartDate:   &now,
		Coupon:      &discount.CouponTerms{SingleUse: o.singleUse},
	}
	if o.maxUses > 0 {
		d.MaxUses = &o.maxUses
	}
	if o.validDays > 0 {
		end := now.AddDate(0, 0, o.validDays)
		d.EndDate = &end
	}
	if err := d.Check(); err != nil {
		return discount.Discount{}, errors.Wrap(err, "coupon template")
	}
	return d, nil
}

type scanner struct {
	lg      *zap.Logger
	opts    options
	files   []string
	filters []*bloom.BloomFilter
}

func (s *scanner) accept(code string) bool {
	return len(code) >= s.opts.minLen && len(code) <= s.opts.maxLen
}

// buildFilters fills one bloom filter per file, concurrently.
func (s *scanner) buildFilters(ctx context.Context) error {
	s.filters = make([]*bloom.BloomFilter, len(s.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range s.files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(s.opts.capacity, s.opts.fpr)
			var count uint64
			err := readCodes(ctx, path, func(code string) {
				if !s.accept(code) {
					return
				}
				filter.AddString(code)
				if count++; count%progressEvery == 0 {
					s.lg.Info("Pass 1 progress", zap.String("file", path), zap.Uint64("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "filter %s", path)
			}
			s.lg.Info("Pass 1 done",
				zap.String("file", path),
				zap.Uint64("codes", count),
				zap.Float64("estimated_fpr", bloom.EstimateFalsePositiveRate(filter.Cap(), filter.K(), uint(count))),
			)
			s.filters[i] = filter
			return nil
		})
	}
	return g.Wait()
}

// sharedCodes re-reads every file and keeps the codes present in at least
// minFiles inputs. The filters only preselect candidates; the count is taken
// from the exact per-file bits.
func (s *scanner) sharedCodes(ctx context.Context) ([]string, error) {
	masks := make([]map[string]uint, len(s.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range s.files {
		g.Go(func() error {
			seen := make(map[string]uint)
			own := uint(1) << uint(i)
			err := readCodes(ctx, path, func(code string) {
				if !s.accept(code) {
					return
				}
				if _, ok := seen[code]; ok {
					return
				}
				hits := 1
				for j, f := range s.filters {
					if j != i && f.TestString(code) {
						hits++
					}
				}
				if hits >= s.opts.minFiles {
					seen[code] = own
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			s.lg.Info("Pass 2 done", zap.String("file", path), zap.Int("candidates", len(seen)))
			masks[i] = seen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, m := range masks {
		for code, bit := range m {
			merged[code] |= bit
		}
	}
	var codes []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= s.opts.minFiles {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes, nil
}

// readCodes streams a gzip file and calls fn with each trimmed line.
func readCodes(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gz.Close() }()

	lines := bufio.NewScanner(gz)
	for n := 0; lines.Scan(); n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		fn(strings.TrimSpace(lines.Text()))
	}
	if err := lines.Err(); err != nil {
		return errors.Wrap(err, "read")
	}
	return nil
}

// writeCoupons saves the codes that are not stored yet.
func writeCoupons(ctx context.Context, lg *zap.Logger, repo *postgres.DiscountRepository, codes []string, template discount.Discount) error {
	existing, err := repo.ListCodes(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(existing))
	for _, code := range existing {
		known[code] = struct{}{}
	}

	var written, skipped int
	for i, code := range codes {
		if _, ok := known[code]; ok {
			skipped++
			continue
		}
		d := template
		d.Name = "Coupon " + code
		d.Code = code
		terms := *template.Coupon
		terms.CouponCode = code
		d.Coupon = &terms
		if _, err := repo.Save(ctx, &d); err != nil {
			return errors.Wrapf(err, "save coupon %s", code)
		}
		written++
		if (i+1)%1000 == 0 {
			lg.Info("Write progress", zap.Int("done", i+1), zap.Int("total", len(codes)))
		}
	}
	lg.Info("Coupons written", zap.Int("written", written), zap.Int("skipped", skipped))
	return nil
}
