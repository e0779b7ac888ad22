package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/floroz/gavel-live/internal/domain/auctions"
	"github.com/floroz/gavel-live/pkg/money"
)

var errMissingField = errors.New("missing field")

func field(msg *structpb.Struct, key string) (*structpb.Value, bool) {
	if msg == nil {
		return nil, false
	}
	v, ok := msg.GetFields()[key]
	if !ok {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func stringField(msg *structpb.Struct, key string) (string, error) {
	v, ok := field(msg, key)
	if !ok {
		return "", fmt.Errorf("%w: %s", errMissingField, key)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s.StringValue, nil
}

func uuidField(msg *structpb.Struct, key string) (uuid.UUID, error) {
	s, err := stringField(msg, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", key)
	}
	return id, nil
}

// amountField accepts a decimal string ("150.00") or a JSON number
func amountField(msg *structpb.Struct, key string) (int64, error) {
	v, ok := field(msg, key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", errMissingField, key)
	}

	var (
		c   money.Cents
		err error
	)
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		c, err = money.Parse(kind.StringValue)
	case *structpb.Value_NumberValue:
		c, err = money.FromFloat(kind.NumberValue)
	default:
		return 0, fmt.Errorf("%s must be a decimal string or number", key)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return int64(c), nil
}

func optionalAmount(msg *structpb.Struct, key string) (*int64, error) {
	if _, ok := field(msg, key); !ok {
		return nil, nil
	}
	n, err := amountField(msg, key)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func timeField(msg *structpb.Struct, key string) (time.Time, error) {
	s, err := stringField(msg, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s format", key)
	}
	return t, nil
}

func durationField(msg *structpb.Struct, key string) (time.Duration, error) {
	if _, ok := field(msg, key); !ok {
		return 0, nil
	}
	s, err := stringField(msg, key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func optionalInt(msg *structpb.Struct, key string) (*int, error) {
	v, ok := field(msg, key)
	if !ok {
		return nil, nil
	}
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || num.NumberValue != float64(int(num.NumberValue)) {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	n := int(num.NumberValue)
	return &n, nil
}

func boolField(msg *structpb.Struct, key string) bool {
	v, ok := field(msg, key)
	return ok && v.GetBoolValue()
}

func uuidListField(msg *structpb.Struct, key string) ([]uuid.UUID, error) {
	v, ok := field(msg, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMissingField, key)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list", key)
	}
	ids := make([]uuid.UUID, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		id, err := uuid.Parse(item.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry", key)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func mapAuction(a *auctions.Auction) map[string]any {
	m := map[string]any{
		"id":             a.ID.String(),
		"sellerId":       a.SellerID.String(),
		"title":          a.Title,
		"status":         a.Status.String(),
		"startingPrice":  money.Cents(a.StartingPrice).String(),
		"currentPrice":   money.Cents(a.CurrentPrice).String(),
		"bidIncrement":   money.Cents(a.BidIncrement).String(),
		"nextMinimumBid": money.Cents(a.NextMinimumBid()).String(),
		"startTime":      a.StartTime.Format(time.RFC3339),
		"endTime":        a.EndTime.Format(time.RFC3339),
		"bidCount":       a.BidCount,
		"autoExtend":     a.AutoExtend,
		"extensionCount": a.ExtensionCount,
		"createdAt":      a.CreatedAt.Format(time.RFC3339),
		"updatedAt":      a.UpdatedAt.Format(time.RFC3339),
	}
	if a.BuyNowPrice != nil {
		m["buyNowPrice"] = money.Cents(*a.BuyNowPrice).String()
	}
	if a.WinnerID != nil {
		m["winnerId"] = a.WinnerID.String()
		m["winnerName"] = a.WinnerName
	}
	return m
}

func mapBid(b *auctions.Bid) map[string]any {
	return map[string]any{
		"id":         b.ID.String(),
		"auctionId":  b.AuctionID.String(),
		"bidderId":   b.BidderID.String(),
		"bidderName": b.BidderName,
		"amount":     money.Cents(b.Amount).String(),
		"isWinning":  b.IsWinning,
		"isBuyNow":   b.IsBuyNow,
		"createdAt":  b.CreatedAt.Format(time.RFC3339Nano),
	}
}
