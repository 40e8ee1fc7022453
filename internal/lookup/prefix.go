package lookup

import (
	"context"
	"fmt"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

// saMobilePrefixes maps original network allocations. Ported numbers are
// reported under the network that first issued the range.
var saMobilePrefixes = map[string]string{
	"060": "Vodacom", "066": "Vodacom", "071": "Vodacom", "072": "Vodacom",
	"076": "Vodacom", "079": "Vodacom", "082": "Vodacom",
	"063": "MTN", "073": "MTN", "078": "MTN", "083": "MTN",
	"061": "Cell C", "062": "Cell C", "074": "Cell C", "084": "Cell C",
	"081": "Telkom", "068": "Telkom",
}

// PrefixCarrier resolves carriers offline from the number range.
type PrefixCarrier struct{}

// NewPrefixCarrier constructs a PrefixCarrier.
func NewPrefixCarrier() *PrefixCarrier {
	return &PrefixCarrier{}
}

// Lookup returns the network that owns the phone's range.
func (PrefixCarrier) Lookup(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	national := scrape.NormalizePhone(phone)
	if len(national) != 10 || national[0] != '0' {
		return "", fmt.Errorf("%w: %q is not a national number", ErrPermanent, phone)
	}
	if carrier, ok := saMobilePrefixes[national[:3]]; ok {
		return carrier, nil
	}
	return "", fmt.Errorf("%w: %q is not a mobile range", ErrPermanent, phone)
}
