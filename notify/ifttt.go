package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warp/toll-ledger/ledger"
)

const defaultIFTTTBase = "https://maker.ifttt.com"

// IFTTTSink triggers IFTTT maker webhooks named after the ledger event,
// passing four positional values.
type IFTTTSink struct {
	key      string
	baseURL  string
	currency string
	client   *http.Client
}

// NewIFTTTSink creates a sink for the given maker key. baseURL is only
// overridden in tests.
func NewIFTTTSink(key, currency, baseURL string) *IFTTTSink {
	if baseURL == "" {
		baseURL = defaultIFTTTBase
	}
	return &IFTTTSink{
		key:      key,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		currency: currency,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *IFTTTSink) Name() string { return "ifttt" }

func (s *IFTTTSink) Send(ctx context.Context, n ledger.Notification) error {
	values := s.Values(n)
	q := url.Values{}
	for i, v := range values {
		q.Set(fmt.Sprintf("value%d", i+1), v)
	}
	target := fmt.Sprintf("%s/trigger/%s/with/key/%s?%s",
		s.baseURL, url.PathEscape(string(n.Event)), url.PathEscape(s.key), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build ifttt request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", n.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trigger %s: ifttt returned %s", n.Event, resp.Status)
	}
	return nil
}

// Values maps a notification onto value1..value4.
func (s *IFTTTSink) Values(n ledger.Notification) [4]string {
	money := func(m ledger.Money) string { return m.Format(s.currency) }
	tag := string(n.AccountID)

	switch n.Event {
	case ledger.EventDebtCleared:
		return [4]string{tag, money(n.DebtCleared), money(n.NewBalance), "Remaining debt: " + money(n.NewDebt)}
	case ledger.EventTopupCompleted:
		return [4]string{tag, money(n.Amount), money(n.NewBalance), n.Reference}
	case ledger.EventUnknownTopup:
		return [4]string{n.Detail, money(n.Amount), n.Reference, "No vehicle linked to this payment"}
	case ledger.EventTollCharged:
		return [4]string{tag, money(n.Amount), money(n.NewBalance), "Debt: " + money(n.NewDebt)}
	default:
		return [4]string{tag, money(n.NewBalance), money(n.NewDebt), n.Detail}
	}
}
