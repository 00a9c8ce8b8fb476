package sitemap

import (
	"encoding/xml"
	"fmt"

	"golang.org/x/text/language"

	"github.com/kasha/gateway/internal/snapshot"
)

const (
	xmlnsSitemap = "http://www.sitemaps.org/schemas/sitemap/0.9"
	xmlnsXHTML   = "http://www.w3.org/1999/xhtml"
	xmlnsNews    = "http://www.google.com/schemas/sitemap-news/0.9"
	xmlnsImage   = "http://www.google.com/schemas/sitemap-image/1.1"
	xmlnsVideo   = "http://www.google.com/schemas/sitemap-video/1.1"
)

type xhtmlLink struct {
	Rel      string `xml:"rel,attr"`
	Hreflang string `xml:"hreflang,attr"`
	Href     string `xml:"href,attr"`
}

type newsEntry struct {
	Publication struct {
		Name     string `xml:"news:name"`
		Language string `xml:"news:language"`
	} `xml:"news:publication"`
	PublicationDate string `xml:"news:publication_date"`
	Title           string `xml:"news:title"`
}

type imageEntry struct {
	Loc string `xml:"image:loc"`
}

type videoEntry struct {
	ThumbnailLoc string `xml:"video:thumbnail_loc"`
	Title        string `xml:"video:title"`
	ContentLoc   string `xml:"video:content_loc"`
}

type urlEntry struct {
	Loc     string      `xml:"loc"`
	LastMod string      `xml:"lastmod,omitempty"`
	Links   []xhtmlLink `xml:"xhtml:link,omitempty"`
	News    *newsEntry  `xml:"news:news,omitempty"`
	Images  []imageEntry `xml:"image:image,omitempty"`
	Videos  []videoEntry `xml:"video:video,omitempty"`
}

type urlset struct {
	XMLName    xml.Name   `xml:"urlset"`
	XMLNS      string     `xml:"xmlns,attr"`
	XMLNSXHTML string     `xml:"xmlns:xhtml,attr,omitempty"`
	XMLNSNews  string     `xml:"xmlns:news,attr,omitempty"`
	XMLNSImage string     `xml:"xmlns:image,attr,omitempty"`
	XMLNSVideo string     `xml:"xmlns:video,attr,omitempty"`
	URLs       []urlEntry `xml:"url"`
}

type sitemapRef struct {
	Loc string `xml:"loc"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	XMLNS    string       `xml:"xmlns,attr"`
	Sitemaps []sitemapRef `xml:"sitemap"`
}

// RenderPage marshals snapshots belonging to one page of variant into a
// <urlset> document. baseURL is prefixed to each snapshot's path to form
// <loc>; alternates carries the other locale-tagged URLs for the same
// logical page, keyed by snapshot path and then by locale as reported
// (normalized to BCP-47 when emitted), for the hreflang extension.
func RenderPage(variant Variant, baseURL string, snaps []*snapshot.Snapshot, alternates map[string]map[string]string) ([]byte, error) {
	set := urlset{XMLNS: xmlnsSitemap}
	switch variant {
	case VariantPlain, VariantGoogle:
		set.XMLNSXHTML = xmlnsXHTML
	case VariantNews:
		set.XMLNSNews = xmlnsNews
	case VariantImage:
		set.XMLNSImage = xmlnsImage
	case VariantVideo:
		set.XMLNSVideo = xmlnsVideo
	}

	for _, snap := range snaps {
		entry := urlEntry{
			Loc:     baseURL + snap.Key.Path,
			LastMod: formatLastMod(snap),
		}

		if (variant == VariantPlain || variant == VariantGoogle) && snap.Meta.Locale != "" {
			entry.Links = hreflangLinks(baseURL, snap, alternates)
		}

		switch variant {
		case VariantNews:
			entry.News = newsEntryFor(snap)
		case VariantImage:
			for _, img := range snap.Meta.Images {
				entry.Images = append(entry.Images, imageEntry{Loc: img})
			}
		case VariantVideo:
			for _, v := range snap.Meta.Videos {
				entry.Videos = append(entry.Videos, videoEntry{ContentLoc: v, ThumbnailLoc: snap.Meta.Image, Title: snap.Meta.Title})
			}
		}

		set.URLs = append(set.URLs, entry)
	}

	return marshalWithHeader(set)
}

// RenderIndex marshals a sitemapindex referencing pages 1..pageCount of
// variant for site, rooted at baseURL.
func RenderIndex(baseURL, site string, variant Variant, pageCount int) ([]byte, error) {
	idx := sitemapIndex{XMLNS: xmlnsSitemap}
	for page := 1; page <= pageCount; page++ {
		idx.Sitemaps = append(idx.Sitemaps, sitemapRef{
			Loc: pageURL(baseURL, variant, page),
		})
	}
	return marshalWithHeader(idx)
}

// pageURL builds the route a sitemap page is actually served at: the
// plain variant is the bare /sitemap.<page>.xml form sitemap_handler.go's
// route patterns expect, every other variant is qualified.
func pageURL(baseURL string, variant Variant, page int) string {
	if variant == VariantPlain {
		return fmt.Sprintf("%s/sitemap.%d.xml", baseURL, page)
	}
	return fmt.Sprintf("%s/sitemap.%s.%d.xml", baseURL, string(variant), page)
}

// indexURL builds the route a sitemapindex is actually served at: the
// plain variant is the bare /sitemap.index.xml form, every other variant
// is qualified. Shared with robots.go's Sitemap: line.
func indexURL(baseURL string, variant Variant) string {
	if variant == VariantPlain {
		return fmt.Sprintf("%s/sitemap.index.xml", baseURL)
	}
	return fmt.Sprintf("%s/sitemap.index.%s.xml", baseURL, string(variant))
}

func marshalWithHeader(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("sitemap: marshal xml: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body))
	out = append(out, xml.Header...)
	out = append(out, body...)
	return out, nil
}

func formatLastMod(snap *snapshot.Snapshot) string {
	if snap.Times.UpdatedAt.IsZero() {
		return ""
	}
	return snap.Times.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")
}

func newsEntryFor(snap *snapshot.Snapshot) *newsEntry {
	n := &newsEntry{Title: snap.Meta.Title}
	n.Publication.Name = snap.Key.Site
	n.Publication.Language = normalizeLocale(snap.Meta.Locale)
	if !snap.Meta.PublishedAt.IsZero() {
		n.PublicationDate = snap.Meta.PublishedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return n
}

// normalizeLocale canonicalizes loc to a BCP-47 language tag (e.g.
// "en_US" -> "en-US"), falling back to the input unchanged when it
// doesn't parse.
func normalizeLocale(loc string) string {
	if loc == "" {
		return ""
	}
	tag, err := language.Parse(loc)
	if err != nil {
		return loc
	}
	return tag.String()
}

// hreflangLinks builds the xhtml:link alternate set for snap, one per
// other locale sharing the same logical path, plus a self-referencing
// entry as the hreflang convention requires.
func hreflangLinks(baseURL string, snap *snapshot.Snapshot, alternates map[string]map[string]string) []xhtmlLink {
	byLocale := alternates[snap.Key.Path]
	if len(byLocale) == 0 {
		return nil
	}
	links := make([]xhtmlLink, 0, len(byLocale))
	for locale, path := range byLocale {
		links = append(links, xhtmlLink{
			Rel:      "alternate",
			Hreflang: normalizeLocale(locale),
			Href:     baseURL + path,
		})
	}
	return links
}
