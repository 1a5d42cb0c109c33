package detail

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

// Browser renders detail pages whose prices are filled in by script and
// invisible to a plain HTTP fetch. One headless allocator is shared across
// fetches; each fetch gets its own tab.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	timeout     time.Duration
	logger      arbor.ILogger
	mu          sync.Mutex
}

// NewBrowser creates a headless browser allocator. No browser process starts
// until the first fetch.
func NewBrowser(userAgent string, timeout time.Duration, logger arbor.ILogger) *Browser {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1280, 720),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		timeout:     timeout,
		logger:      logger,
	}
}

// FetchDynamicPrice navigates to the page in a fresh tab and reads the
// rendered price. Fetches are serialized; concurrent tabs against the same
// storefront read as automation.
func (b *Browser) FetchDynamicPrice(ctx context.Context, pageURL string) (*models.Price, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(b.allocCtx)
	defer tabCancel()

	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, b.timeout)
	defer timeoutCancel()

	host, err := pageHost(pageURL)
	if err != nil {
		return nil, err
	}

	var priceText, discountText string
	err = chromedp.Run(tabCtx,
		setAgeGateCookiesAction(host),
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(`.discount_final_price, .game_purchase_price, .price`, chromedp.ByQuery),
		chromedp.Evaluate(`(() => {
			const el = document.querySelector('.discount_final_price') ||
				document.querySelector('.game_purchase_price') ||
				document.querySelector('.price');
			return el ? el.textContent.trim() : '';
		})()`, &priceText),
		chromedp.Evaluate(`(() => {
			const el = document.querySelector('.discount_pct');
			return el ? el.textContent.trim() : '';
		})()`, &discountText),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %s: %w", pageURL, err)
	}

	amount, ok := ParsePriceText(priceText)
	if !ok {
		return nil, fmt.Errorf("no parseable price rendered on %s", pageURL)
	}

	price := &models.Price{
		Final:     amount,
		Formatted: priceText,
		Currency:  DetectCurrency(priceText),
	}
	if pct := strings.Trim(discountText, "-% "); pct != "" {
		fmt.Sscanf(pct, "%d", &price.Discount)
	}

	b.logger.Debug().Str("url", pageURL).Str("price", priceText).Msg("Rendered dynamic price")
	return price, nil
}

// setAgeGateCookiesAction plants the age-gate bypass cookies before
// navigation so gated pages render directly.
func setAgeGateCookiesAction(host string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, cookie := range ageGateCookies {
			err := network.SetCookie(cookie.Name, cookie.Value).
				WithDomain(host).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func pageHost(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid page URL %s: %w", pageURL, err)
	}
	return u.Hostname(), nil
}

// Close shuts down the browser process.
func (b *Browser) Close() {
	b.allocCancel()
}
