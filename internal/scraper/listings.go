package scraper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

var (
	phonePattern  = regexp.MustCompile(`(?:\+27|\b0)[\s-]?\d{2}[\s-]?\d{3}[\s-]?\d{4}\b`)
	ratingPattern = regexp.MustCompile(`^\d[.,]\d(\s*\([\d,\s]+\))?$`)
	streetTokens  = []string{" st", " rd", " ave", " street", " road", " avenue", " dr", " drive", "cnr ", " lane", " way"}
	hoursPrefixes = []string{"open", "closed", "closes", "opens", "temporarily"}
)

// ParseListings extracts businesses from a rendered map search page. It
// understands both the results feed and the single-place page Google shows
// when a search has one match. limit <= 0 means no cap.
func ParseListings(html, town, industry, pageURL string, limit int) ([]scrape.Business, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var out []scrape.Business
	seen := make(map[string]struct{})
	doc.Find("a.hfpxzc").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		b, ok := parseCard(a)
		if !ok {
			return true
		}
		key := b.Name + "|" + b.MapReference
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		b.Town, b.Industry = town, industry
		out = append(out, b)
		return true
	})
	if len(out) > 0 {
		return out, nil
	}

	if b, ok := parsePlace(doc, pageURL); ok {
		b.Town, b.Industry = town, industry
		out = append(out, b)
	}
	return out, nil
}

func parseCard(a *goquery.Selection) (scrape.Business, bool) {
	name := strings.TrimSpace(a.AttrOr("aria-label", ""))
	card := a.Closest("div.Nv2PK")
	if card.Length() == 0 {
		card = a.Parent()
	}
	if name == "" {
		name = strings.TrimSpace(card.Find(".qBF1Pd").First().Text())
	}
	if name == "" {
		return scrape.Business{}, false
	}

	b := scrape.Business{
		Name:         name,
		Provider:     scrape.UnknownProvider,
		MapReference: strings.TrimSpace(a.AttrOr("href", "")),
	}
	for _, seg := range cardSegments(card) {
		if b.Phone == "" {
			if m := phonePattern.FindString(seg); m != "" {
				b.Phone = scrape.NormalizePhone(m)
				continue
			}
		}
		if b.Address == "" && looksLikeAddress(seg) {
			b.Address = seg
		}
	}
	return b, true
}

// cardSegments splits the card's detail lines on the "·" separator.
func cardSegments(card *goquery.Selection) []string {
	var segs []string
	card.Find(".W4Efsd").Each(func(_ int, line *goquery.Selection) {
		if line.Find(".W4Efsd").Length() > 0 {
			return
		}
		for _, part := range strings.Split(line.Text(), "·") {
			part = strings.TrimSpace(part)
			if part != "" {
				segs = append(segs, part)
			}
		}
	})
	return segs
}

func looksLikeAddress(seg string) bool {
	lower := strings.ToLower(seg)
	for _, prefix := range hoursPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	if ratingPattern.MatchString(seg) || phonePattern.MatchString(seg) {
		return false
	}
	padded := " " + lower + " "
	for _, token := range streetTokens {
		if strings.Contains(padded, token+" ") || strings.Contains(padded, token+",") {
			return true
		}
	}
	return strings.ContainsAny(seg, "0123456789") && strings.ContainsAny(lower, "abcdefghijklmnopqrstuvwxyz")
}

func parsePlace(doc *goquery.Document, pageURL string) (scrape.Business, bool) {
	name := strings.TrimSpace(doc.Find("h1.DUwDvf").First().Text())
	if name == "" {
		name = strings.TrimSpace(doc.Find(`div[role="main"] h1`).First().Text())
	}
	if name == "" {
		return scrape.Business{}, false
	}
	b := scrape.Business{
		Name:         name,
		Provider:     scrape.UnknownProvider,
		MapReference: pageURL,
	}
	if id, ok := doc.Find(`button[data-item-id^="phone:tel:"]`).First().Attr("data-item-id"); ok {
		b.Phone = scrape.NormalizePhone(strings.TrimPrefix(id, "phone:tel:"))
	}
	if label, ok := doc.Find(`button[data-item-id="address"]`).First().Attr("aria-label"); ok {
		b.Address = strings.TrimSpace(strings.TrimPrefix(label, "Address:"))
	}
	return b, true
}
