package handler

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/pricing"
)

var errMissingField = errors.New("missing required field")

func decodeValidate(data []byte) (pricing.ValidateRequest, error) {
	var (
		req         pricing.ValidateRequest
		hasCustomer bool
	)
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "couponCode":
			req.CouponCode, err = d.Str()
		case "customerId":
			req.CustomerID, err = d.Int64()
			hasCustomer = err == nil
		case "userId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var id int64
			id, err = d.Int64()
			req.UserID = &id
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return req, err
	}
	if req.CouponCode == "" {
		return req, errors.Wrap(errMissingField, "couponCode")
	}
	if !hasCustomer {
		return req, errors.Wrap(errMissingField, "customerId")
	}
	return req, nil
}

func decodeApply(data []byte) (pricing.ApplyRequest, error) {
	var (
		req                  pricing.ApplyRequest
		hasCustomer, hasUser bool
	)
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "customerId":
			req.CustomerID, err = d.Int64()
			hasCustomer = err == nil
		case "userId":
			req.UserID, err = d.Int64()
			hasUser = err == nil
		case "couponCodes":
			if d.Next() == jx.Null {
				return d.Null()
			}
			err = d.Arr(func(d *jx.Decoder) error {
				code, err := d.Str()
				if err != nil {
					return err
				}
				if code != "" {
					req.CouponCodes = append(req.CouponCodes, code)
				}
				return nil
			})
		case "autoApply":
			req.AutoApply, err = d.Bool()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return req, err
	}
	if !hasCustomer {
		return req, errors.Wrap(errMissingField, "customerId")
	}
	if !hasUser {
		req.UserID = req.CustomerID
	}
	return req, nil
}

func encodeMoney(e *jx.Encoder, d decimal.Decimal) {
	e.Raw([]byte(d.StringFixed(2)))
}

func fieldMoney(e *jx.Encoder, name string, d decimal.NullDecimal) {
	if !d.Valid {
		return
	}
	e.Field(name, func(e *jx.Encoder) { encodeMoney(e, d.Decimal) })
}

func fieldStr(e *jx.Encoder, name, v string) {
	if v == "" {
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

func fieldInt(e *jx.Encoder, name string, v *int) {
	if v == nil {
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Int(*v) })
}

func fieldTime(e *jx.Encoder, name string, t *time.Time) {
	if t == nil {
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func fieldIDs(e *jx.Encoder, name string, ids discount.IDSet) {
	e.Field(name, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, id := range ids.Slice() {
				e.Int64(id)
			}
		})
	})
}

func encodeDiscount(e *jx.Encoder, d *discount.Discount) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(d.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(d.Name) })
		fieldStr(e, "code", d.Code)
		fieldStr(e, "description", d.Description)
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(d.Kind)) })
		fieldStr(e, "discountType", string(d.Type))
		fieldStr(e, "target", string(d.Target))
		e.Field("valueType", func(e *jx.Encoder) { e.Str(string(d.ValueType)) })
		fieldMoney(e, "value", d.Value)
		fieldTime(e, "startDate", d.StartDate)
		fieldTime(e, "endDate", d.EndDate)
		fieldInt(e, "maxUses", d.MaxUses)
		e.Field("usesCount", func(e *jx.Encoder) { e.Int(d.UsesCount) })
		fieldInt(e, "maxUsesPerCustomer", d.MaxUsesPerCustomer)
		fieldMoney(e, "minimumCartValue", d.MinimumCartValue)
		fieldMoney(e, "maximumDiscountAmount", d.MaximumDiscountAmount)
		e.Field("isActive", func(e *jx.Encoder) { e.Bool(d.Active) })
		e.Field("isStackable", func(e *jx.Encoder) { e.Bool(d.Stackable) })
		e.Field("isExclusive", func(e *jx.Encoder) { e.Bool(d.Exclusive) })
		fieldIDs(e, "excludedProducts", d.ExcludedProducts)
		fieldIDs(e, "excludedCategories", d.ExcludedCategories)

		switch {
		case d.Coupon != nil:
			c := d.Coupon
			fieldStr(e, "couponCode", c.CouponCode)
			e.Field("isSingleUse", func(e *jx.Encoder) { e.Bool(c.SingleUse) })
			e.Field("isFirstOrderOnly", func(e *jx.Encoder) { e.Bool(c.FirstOrderOnly) })
			fieldStr(e, "customerEmail", c.CustomerEmail)
		case d.Bulk != nil:
			b := d.Bulk
			e.Field("minimumQuantity", func(e *jx.Encoder) { e.Int(b.MinimumQuantity) })
			if b.ProductID != nil {
				e.Field("productId", func(e *jx.Encoder) { e.Int64(*b.ProductID) })
			}
		case d.Promotion != nil:
			p := d.Promotion
			e.Field("autoApply", func(e *jx.Encoder) { e.Bool(p.AutoApply) })
			fieldStr(e, "bannerText", p.BannerText)
			fieldStr(e, "imageUrl", p.ImageURL)
		}
	})
}

func encodeResult(e *jx.Encoder, r discount.Result) {
	e.Obj(func(e *jx.Encoder) {
		if r.Discount != nil {
			e.Field("discountId", func(e *jx.Encoder) { e.Int64(r.Discount.ID) })
		}
		e.Field("name", func(e *jx.Encoder) { e.Str(r.Name) })
		fieldStr(e, "code", r.Code)
		e.Field("amount", func(e *jx.Encoder) { encodeMoney(e, r.Amount) })
		fieldStr(e, "valueType", string(r.ValueType))
		fieldStr(e, "message", r.Message)
		if len(r.ItemDiscounts) == 0 {
			return
		}
		ids := make([]int64, 0, len(r.ItemDiscounts))
		for id := range r.ItemDiscounts {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		e.Field("itemDiscounts", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, id := range ids {
					e.Field(strconv.FormatInt(id, 10), func(e *jx.Encoder) { encodeMoney(e, r.ItemDiscounts[id]) })
				}
			})
		})
	})
}

func encodeValidate(e *jx.Encoder, resp *pricing.ValidateResponse) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("valid", func(e *jx.Encoder) { e.Bool(resp.Valid) })
		e.Field("message", func(e *jx.Encoder) { e.Str(resp.Message) })
		if resp.Discount != nil {
			e.Field("discount", func(e *jx.Encoder) { encodeDiscount(e, resp.Discount) })
		}
		if resp.Preview != nil {
			e.Field("preview", func(e *jx.Encoder) { encodeResult(e, *resp.Preview) })
		}
	})
}

func encodeSummary(e *jx.Encoder, s *pricing.Summary) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("appliedDiscounts", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, r := range s.Applied {
					encodeResult(e, r)
				}
			})
		})
		e.Field("subtotal", func(e *jx.Encoder) { encodeMoney(e, s.Subtotal) })
		e.Field("shippingCost", func(e *jx.Encoder) { encodeMoney(e, s.ShippingCost) })
		e.Field("taxAmount", func(e *jx.Encoder) { encodeMoney(e, s.TaxAmount) })
		e.Field("totalDiscount", func(e *jx.Encoder) { encodeMoney(e, s.TotalDiscount) })
		e.Field("grandTotal", func(e *jx.Encoder) { encodeMoney(e, s.GrandTotal) })
	})
}

func encodeDiscounts(e *jx.Encoder, rules []*discount.Discount) {
	e.Arr(func(e *jx.Encoder) {
		for _, d := range rules {
			encodeDiscount(e, d)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes the {"code","message"} error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}
