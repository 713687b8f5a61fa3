package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/leadsignal/harvester/internal/harvest"
)

// Extractor turns rendered page markup into raw profile material. It is an
// interface so fetch tests can run without a browser and so selector churn
// stays in one place.
type Extractor interface {
	Basic(page string) (harvest.BasicFields, error)
	Employment(page string) ([]harvest.EmploymentEntry, error)
	Activity(page string, kind harvest.ActivityKind) ([]harvest.ActivityRecord, error)
	HasCaptcha(page string) bool
}

// MarkupExtractor parses platform pages with CSS selectors.
type MarkupExtractor struct{}

// NewMarkupExtractor returns the default page extractor.
func NewMarkupExtractor() *MarkupExtractor {
	return &MarkupExtractor{}
}

func parsePage(page string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// Basic pulls the top-card fields from a profile page.
func (e *MarkupExtractor) Basic(page string) (harvest.BasicFields, error) {
	doc, err := parsePage(page)
	if err != nil {
		return harvest.BasicFields{}, err
	}
	basic := harvest.BasicFields{
		FullName: text(doc, "main h1"),
		Headline: text(doc, "main .text-body-medium"),
		Location: text(doc, "main .text-body-small.inline"),
		About:    text(doc, "section.about div.display-flex span[aria-hidden=true]"),
	}
	return basic, nil
}

// Employment pulls the experience section entries.
func (e *MarkupExtractor) Employment(page string) ([]harvest.EmploymentEntry, error) {
	doc, err := parsePage(page)
	if err != nil {
		return nil, err
	}
	var entries []harvest.EmploymentEntry
	doc.Find("section.experience li.artdeco-list__item").Each(func(_ int, item *goquery.Selection) {
		company := strings.TrimSpace(item.Find(".t-bold span[aria-hidden=true]").First().Text())
		if company == "" {
			return
		}
		entry := harvest.EmploymentEntry{Company: company}
		item.Find("li.pvs-list__item--one-column").Each(func(_ int, pos *goquery.Selection) {
			title := strings.TrimSpace(pos.Find(".t-bold span[aria-hidden=true]").First().Text())
			dates := strings.TrimSpace(pos.Find(".t-normal.t-black--light span[aria-hidden=true]").First().Text())
			if title == "" {
				return
			}
			entry.Positions = append(entry.Positions, harvest.RawPosition{Title: title, DateRange: dates})
		})
		if len(entry.Positions) == 0 {
			// Single-position entries render the title at the top level.
			title := strings.TrimSpace(item.Find(".t-bold span[aria-hidden=true]").Eq(1).Text())
			dates := strings.TrimSpace(item.Find(".t-normal.t-black--light span[aria-hidden=true]").First().Text())
			if title != "" {
				entry.Positions = append(entry.Positions, harvest.RawPosition{Title: title, DateRange: dates})
			}
		}
		entries = append(entries, entry)
	})
	return entries, nil
}

// Activity pulls one feed page worth of activity records. The kind is taken
// from which feed was rendered, not guessed from markup.
func (e *MarkupExtractor) Activity(page string, kind harvest.ActivityKind) ([]harvest.ActivityRecord, error) {
	doc, err := parsePage(page)
	if err != nil {
		return nil, err
	}
	var records []harvest.ActivityRecord
	doc.Find("li.profile-creator-shared-feed-update__container, div.feed-shared-update-v2").Each(func(_ int, item *goquery.Selection) {
		record := harvest.ActivityRecord{
			Kind:        kind,
			ActorURL:    attr(item, "a.update-components-actor__meta-link", "href"),
			EngagedURL:  attr(item, "a.app-aware-link[data-view-name=feed-detail]", "href"),
			EngagedName: strings.TrimSpace(item.Find(".update-components-actor__title span[aria-hidden=true]").First().Text()),
			Text:        strings.TrimSpace(item.Find(".update-components-text span[dir=ltr]").First().Text()),
			Timestamp:   strings.TrimSpace(item.Find(".update-components-actor__sub-description span[aria-hidden=true]").First().Text()),
		}
		if record.EngagedURL == "" {
			record.EngagedURL = attr(item, "a[data-id]", "href")
		}
		if kind == harvest.KindComment {
			record.CommentText = strings.TrimSpace(item.Find(".comments-comment-item__main-content span[dir=ltr]").First().Text())
		}
		if record.EngagedURL == "" && record.Text == "" {
			return
		}
		record.URL = record.EngagedURL
		records = append(records, record)
	})
	return records, nil
}

// HasCaptcha reports whether a verification challenge is present in the page.
func (e *MarkupExtractor) HasCaptcha(page string) bool {
	doc, err := parsePage(page)
	if err != nil {
		return false
	}
	if doc.Find("#captcha-internal, iframe[title*=captcha i], .challenge-dialog").Length() > 0 {
		return true
	}
	title := strings.ToLower(doc.Find("title").Text())
	return strings.Contains(title, "security verification") || strings.Contains(title, "let's do a quick")
}

func text(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

func attr(sel *goquery.Selection, selector, name string) string {
	v, _ := sel.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}
