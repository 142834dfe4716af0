// Package region holds the country to locale table workers draw their
// outbound identity from.
package region

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/JakeFAU/askrelay/internal/search"
)

// DefaultLocales is used when no table is configured.
var DefaultLocales = map[string]string{
	"RU": "ru-RU",
	"BY": "ru-BY",
	"KZ": "ru-KZ",
	"UZ": "uz-UZ",
	"AM": "hy-AM",
	"GE": "ka-GE",
	"TR": "tr-TR",
	"RS": "sr-RS",
}

// Table maps country codes to locales and optional proxies.
type Table struct {
	locales   map[string]string
	proxies   map[string]string
	countries []string
	intn      func(n int) int
}

// Option customises a Table.
type Option func(*Table)

// WithRandom replaces the random source used by Pick.
func WithRandom(intn func(n int) int) Option {
	return func(t *Table) {
		if intn != nil {
			t.intn = intn
		}
	}
}

// New builds a Table. Country codes are upper-cased; proxies for countries
// missing from locales are rejected.
func New(locales, proxies map[string]string, opts ...Option) (*Table, error) {
	if len(locales) == 0 {
		locales = DefaultLocales
	}
	t := &Table{
		locales: make(map[string]string, len(locales)),
		proxies: make(map[string]string, len(proxies)),
		intn:    rand.IntN,
	}
	for country, locale := range locales {
		code := strings.ToUpper(strings.TrimSpace(country))
		locale = strings.TrimSpace(locale)
		if code == "" || locale == "" {
			return nil, fmt.Errorf("region table: empty country or locale (%q=%q)", country, locale)
		}
		t.locales[code] = locale
		t.countries = append(t.countries, code)
	}
	sort.Strings(t.countries)
	for country, proxy := range proxies {
		code := strings.ToUpper(strings.TrimSpace(country))
		if _, ok := t.locales[code]; !ok {
			return nil, fmt.Errorf("region table: proxy configured for unknown country %q", country)
		}
		if proxy = strings.TrimSpace(proxy); proxy != "" {
			t.proxies[code] = proxy
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Countries returns the known country codes in sorted order.
func (t *Table) Countries() []string {
	return append([]string(nil), t.countries...)
}

// Profile returns the profile for country.
func (t *Table) Profile(country string) (search.Profile, bool) {
	code := strings.ToUpper(country)
	locale, ok := t.locales[code]
	if !ok {
		return search.Profile{}, false
	}
	return search.Profile{
		Country:        code,
		Locale:         locale,
		AcceptLanguage: AcceptLanguage(locale),
		Proxy:          t.proxies[code],
	}, true
}

// Pick returns the profile of a uniformly random country.
func (t *Table) Pick() search.Profile {
	country := t.countries[t.intn(len(t.countries))]
	p, _ := t.Profile(country)
	return p
}

// AcceptLanguage builds the header value advertised for locale, e.g.
// "ru-RU,ru;q=0.9".
func AcceptLanguage(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	return fmt.Sprintf("%s,%s;q=0.9", locale, lang)
}
