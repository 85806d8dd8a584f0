package fees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// StaticTaxLookup charges one rate per country, with an optional default.
type StaticTaxLookup struct {
	Rates      map[string]int64
	DefaultBps int64
}

func (s StaticTaxLookup) RateBps(_ context.Context, addr models.CustomerAddress) (int64, error) {
	if rate, ok := s.Rates[strings.ToUpper(strings.TrimSpace(addr.Country))]; ok {
		return rate, nil
	}
	return s.DefaultBps, nil
}

// TaxServiceClient queries an external tax-rate service over HTTP.
type TaxServiceClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewTaxServiceClientFromEnv returns nil when TAX_SERVICE_URL is unset.
func NewTaxServiceClientFromEnv() *TaxServiceClient {
	base := strings.TrimSpace(env.GetEnv("TAX_SERVICE_URL", ""))
	if base == "" {
		return nil
	}
	return &TaxServiceClient{
		BaseURL: strings.TrimRight(base, "/"),
		APIKey:  strings.TrimSpace(env.GetEnv("TAX_SERVICE_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("TAX_SERVICE_TIMEOUT", 5*time.Second),
		},
	}
}

type taxRateResponse struct {
	Rate struct {
		CombinedRate string `json:"combined_rate"`
	} `json:"rate"`
}

func (c *TaxServiceClient) RateBps(ctx context.Context, addr models.CustomerAddress) (int64, error) {
	if c == nil || c.BaseURL == "" {
		return 0, errors.New("tax service is not configured")
	}

	u, err := url.Parse(c.BaseURL + "/v2/rates/" + url.PathEscape(strings.TrimSpace(addr.Zip)))
	if err != nil {
		return 0, err
	}
	q := u.Query()
	q.Set("country", strings.ToUpper(addr.Country))
	if addr.State != "" {
		q.Set("state", addr.State)
	}
	if addr.City != "" {
		q.Set("city", addr.City)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("tax rate request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out taxRateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	return ParseRateBps(out.Rate.CombinedRate)
}

// ParseRateBps converts a decimal fraction such as "0.0825" to basis points
// without going through floating point. Digits beyond the fourth decimal
// round half up.
func ParseRateBps(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("empty rate")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid rate %q", raw)
		}
	}

	var w int64
	for _, r := range whole {
		w = w*10 + int64(r-'0')
		if w > 1 {
			return 0, fmt.Errorf("rate %q above 100%%", raw)
		}
	}

	var bps int64
	for i := 0; i < 4; i++ {
		bps *= 10
		if i < len(frac) {
			bps += int64(frac[i] - '0')
		}
	}
	if len(frac) > 4 && frac[4] >= '5' {
		bps++
	}
	bps += w * BpsDenominator
	if bps > BpsDenominator {
		return 0, fmt.Errorf("rate %q above 100%%", raw)
	}
	return bps, nil
}

// ParseStaticRates reads "DE=1900,FR=2000,*=0" into a StaticTaxLookup. The
// "*" entry sets the default rate.
func ParseStaticRates(raw string) (StaticTaxLookup, error) {
	lookup := StaticTaxLookup{Rates: map[string]int64{}}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		country, rate, ok := strings.Cut(part, "=")
		if !ok {
			return StaticTaxLookup{}, fmt.Errorf("invalid tax rate entry %q", part)
		}
		bps, err := strconv.ParseInt(strings.TrimSpace(rate), 10, 64)
		if err != nil || bps < 0 || bps > BpsDenominator {
			return StaticTaxLookup{}, fmt.Errorf("invalid tax rate entry %q", part)
		}
		country = strings.ToUpper(strings.TrimSpace(country))
		if country == "*" {
			lookup.DefaultBps = bps
			continue
		}
		lookup.Rates[country] = bps
	}
	return lookup, nil
}

// NewTaxLookupFromEnv prefers the remote service, then TAX_STATIC_RATES.
// It returns nil when neither is configured, which disables tax.
func NewTaxLookupFromEnv() (TaxLookup, error) {
	if client := NewTaxServiceClientFromEnv(); client != nil {
		return client, nil
	}
	raw := strings.TrimSpace(env.GetEnv("TAX_STATIC_RATES", ""))
	if raw == "" {
		return nil, nil
	}
	lookup, err := ParseStaticRates(raw)
	if err != nil {
		return nil, err
	}
	return lookup, nil
}
