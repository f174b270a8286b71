package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/shelfward/shelfward/config"
)

// seedboxEndpoint lives on a separate host from the main site.
const seedboxEndpoint = "https://t.myanonamouse.net/json/dynamicSeedbox.php"

// UserStats is the account snapshot the credit jobs decide on. Sizes are in
// gibibytes.
type UserStats struct {
	UploadedGB   float64 `json:"uploaded_gb"`
	DownloadedGB float64 `json:"downloaded_gb"`
	BufferGB     float64 `json:"buffer_gb"`
	Ratio        float64 `json:"ratio"`
	SeedBonus    float64 `json:"seedbonus"`
}

// BuyResult reports a bonus-point purchase.
type BuyResult struct {
	Success   bool
	SeedBonus float64
	Error     string
}

// Client talks to the tracker's JSON endpoints. The long-lived session
// identifier is seeded as a cookie and rotated by the server; the jar keeps
// whatever the server last handed back. All calls share one rate limiter so
// background jobs cannot hammer the site.
type Client struct {
	base  string
	http  *http.Client
	lim   *rate.Limiter
	mamID string
	log   zerolog.Logger
}

func New(cfg *config.TrackerGlobal) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating cookie jar: %w", err)
	}

	base := strings.TrimRight(cfg.URL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("error parsing tracker url: %w", err)
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 10
	}

	c := &Client{
		base:  base,
		http:  &http.Client{Jar: jar, Timeout: 15 * time.Second},
		lim:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		mamID: cfg.MamID,
		log:   log.Logger.With().Str("component", "tracker").Logger(),
	}
	jar.SetCookies(u, []*http.Cookie{{Name: "mam_id", Value: cfg.MamID}})
	return c, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	if err := c.lim.Wait(ctx); err != nil {
		return err
	}

	if params != nil {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(rawURL, c.base) {
		// The seedbox host is outside the jar's main-site domain scope.
		req.AddCookie(&http.Cookie{Name: "mam_id", Value: c.mamID})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error calling tracker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("tracker rejected session (status %d), check the session id", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from tracker", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding tracker response: %w", err)
	}
	return nil
}

// UserStats fetches the account summary and derives the upload buffer.
func (c *Client) UserStats(ctx context.Context) (*UserStats, error) {
	var raw struct {
		Uploaded   string          `json:"uploaded"`
		Downloaded string          `json:"downloaded"`
		Ratio      json.Number     `json:"ratio"`
		SeedBonus  json.RawMessage `json:"seedbonus"`
	}
	if err := c.getJSON(ctx, c.base+"/jsonLoad.php", nil, &raw); err != nil {
		return nil, err
	}

	up := ParseSizeGB(raw.Uploaded)
	down := ParseSizeGB(raw.Downloaded)
	ratio, _ := raw.Ratio.Float64()

	return &UserStats{
		UploadedGB:   up,
		DownloadedGB: down,
		BufferGB:     up - down,
		Ratio:        ratio,
		SeedBonus:    looseFloat(raw.SeedBonus),
	}, nil
}

func (c *Client) buy(ctx context.Context, params url.Values) (*BuyResult, error) {
	params.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))

	var raw struct {
		Success   bool            `json:"success"`
		SeedBonus json.RawMessage `json:"seedbonus"`
		Error     string          `json:"error"`
	}
	if err := c.getJSON(ctx, c.base+"/json/bonusBuy.php/", params, &raw); err != nil {
		return nil, err
	}
	return &BuyResult{
		Success:   raw.Success,
		SeedBonus: looseFloat(raw.SeedBonus),
		Error:     raw.Error,
	}, nil
}

// BuyUpload spends bonus points on amountGB of upload credit.
func (c *Client) BuyUpload(ctx context.Context, amountGB float64) (*BuyResult, error) {
	return c.buy(ctx, url.Values{
		"spendtype": {"upload"},
		"amount":    {strconv.FormatFloat(amountGB, 'f', -1, 64)},
	})
}

// BuyVIP tops VIP status up to the maximum the account can hold.
func (c *Client) BuyVIP(ctx context.Context) (*BuyResult, error) {
	return c.buy(ctx, url.Values{
		"spendtype": {"VIP"},
		"duration":  {"max"},
	})
}

// CurrentIP returns the public address the tracker sees this session on.
func (c *Client) CurrentIP(ctx context.Context) (string, error) {
	var res struct {
		IP string `json:"ip"`
	}
	if err := c.getJSON(ctx, c.base+"/json/jsonIp.php", nil, &res); err != nil {
		return "", err
	}
	if res.IP == "" {
		return "", fmt.Errorf("tracker returned no ip")
	}
	return res.IP, nil
}

// UpdateSeedboxIP re-registers the session against the caller's current
// address and returns the address the tracker recorded.
func (c *Client) UpdateSeedboxIP(ctx context.Context) (string, error) {
	var res struct {
		Success bool   `json:"Success"`
		Msg     string `json:"msg"`
		IP      string `json:"ip"`
	}
	if err := c.getJSON(ctx, seedboxEndpoint, nil, &res); err != nil {
		return "", err
	}
	if !res.Success && res.Msg != "" {
		return "", fmt.Errorf("seedbox update rejected: %s", res.Msg)
	}
	c.log.Info().Str("ip", res.IP).Msg("seedbox address registered")
	return res.IP, nil
}

// ParseSizeGB converts the tracker's human-readable sizes ("123.45 GiB")
// to gibibytes. Unknown or malformed input parses as zero.
func ParseSizeGB(s string) float64 {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	switch unit := strings.ToUpper(parts[1]); {
	case strings.Contains(unit, "TIB"), strings.Contains(unit, "TB"):
		return v * 1024
	case strings.Contains(unit, "GIB"), strings.Contains(unit, "GB"):
		return v
	case strings.Contains(unit, "MIB"), strings.Contains(unit, "MB"):
		return v / 1024
	case strings.Contains(unit, "KIB"), strings.Contains(unit, "KB"):
		return v / (1024 * 1024)
	default:
		return v
	}
}

func looseFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
