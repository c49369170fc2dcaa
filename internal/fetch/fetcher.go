package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/policy"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/gocolly/colly"
)

// Result is one completed page fetch.
type Result struct {
	URL         string
	Title       string
	Body        string
	StatusCode  int
	Status      string
	ETag        string
	Mechanism   string
	TimeToFetch int64 // in milliseconds
}

// PoliteFetcher routes every fetch through the crawl policy engine: the
// URL must pass CanFetch, the host's rate limit is awaited before the
// request goes out, and the host's backoff state is updated afterwards.
type PoliteFetcher struct {
	engine         *policy.Engine
	mechanism      model.FetchMechanism
	userAgent      string
	requestTimeout time.Duration
	transport      *http.Transport
}

func NewPoliteFetcher(engine *policy.Engine, mechanism model.FetchMechanism, cfg *config.Config,
	transport *http.Transport) *PoliteFetcher {
	return &PoliteFetcher{
		engine:         engine,
		mechanism:      mechanism,
		userAgent:      cfg.WorkerSettings.UserAgent,
		requestTimeout: cfg.HttpClientSettings.RequestTimeout,
		transport:      transport,
	}
}

// ErrDuplicateURL is returned by FetchOnce when the canonical form of the
// URL was already fetched in this session.
var ErrDuplicateURL = errors.New("url already fetched in this session")

// FetchOnce fetches the URL unless a URL with the same canonical form was
// already fetched in this session. Duplicates are reported without touching
// the network.
func (f *PoliteFetcher) FetchOnce(ctx context.Context, rawURL string) (*Result, error) {
	if f.engine.MarkSeen(rawURL) {
		return nil, model.Permanent(fmt.Errorf("%q: %w", rawURL, ErrDuplicateURL))
	}

	return f.Fetch(ctx, rawURL)
}

// Fetch retrieves the URL with the configured mechanism. A policy denial
// is returned as ErrFetchNotAllowed and must not be retried. Client-side
// error statuses other than 429 come back wrapped as permanent errors.
func (f *PoliteFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	canonical := policy.Canonicalize(rawURL)
	u, err := url.Parse(canonical)
	if err != nil {
		return nil, model.Permanent(fmt.Errorf("parse url %q: %w", rawURL, err))
	}
	if !f.engine.CanFetch(ctx, canonical) {
		return nil, fmt.Errorf("%q: %w", canonical, policy.ErrFetchNotAllowed)
	}
	host := u.Host
	if err := f.engine.WaitForRateLimit(ctx, host); err != nil {
		return nil, err
	}

	var result *Result
	switch f.mechanism {
	case model.Curl:
		result, err = f.fetchWithCurl(canonical)
	case model.HeadlessBrowser:
		result, err = f.fetchWithBrowser(ctx, canonical)
	default:
		return nil, model.Permanent(errors.New("unsupported fetch mechanism"))
	}

	if err == nil && result.StatusCode/100 != 2 {
		err = fmt.Errorf("error status code: %d", result.StatusCode)
	}
	if err != nil {
		f.engine.RecordError(host)
		if result != nil && isPermanentStatus(result.StatusCode) {
			return result, model.Permanent(err)
		}
		return result, err
	}
	f.engine.RecordSuccess(host)

	return result, nil
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

func (f *PoliteFetcher) fetchWithCurl(rawURL string) (*Result, error) {
	result := &Result{URL: rawURL, Mechanism: f.mechanism.String()}

	c := colly.NewCollector()
	if f.transport != nil {
		c.WithTransport(f.transport)
	}
	c.SetRequestTimeout(f.requestTimeout)
	c.UserAgent = f.userAgent

	c.OnResponse(func(resp *colly.Response) {
		result.StatusCode = resp.StatusCode
		result.Status = http.StatusText(resp.StatusCode)
		result.Body = string(resp.Body)
		result.ETag = resp.Headers.Get("ETag")
	})
	c.OnHTML("title", func(el *colly.HTMLElement) {
		result.Title = el.Text
	})
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode != 0 {
			result.StatusCode = resp.StatusCode
		} else {
			result.StatusCode = -1
		}
		if len(err.Error()) > 1000 {
			result.Status = err.Error()[:1000]
		} else {
			result.Status = err.Error()
		}
	})

	t := time.Now()
	err := c.Visit(rawURL)
	result.TimeToFetch = time.Since(t).Milliseconds()
	if err != nil {
		return result, err
	}

	return result, nil
}

func (f *PoliteFetcher) fetchWithBrowser(parentCtx context.Context, rawURL string) (*Result, error) {
	startTime := time.Now()
	result := &Result{URL: rawURL, Mechanism: f.mechanism.String()}
	responseHeaders := make(map[string]interface{}, 20)

	tCtx, cancelTCtx := context.WithTimeout(parentCtx, f.requestTimeout)
	defer cancelTCtx()
	ctx, cancel := chromedp.NewContext(tCtx)
	defer cancel()

	chromedp.ListenTarget(ctx, func(event interface{}) {
		switch ev := event.(type) {
		case *network.EventResponseReceived:
			response := ev.Response
			if response.URL == result.URL || response.URL == result.URL+"/" {
				result.StatusCode = int(response.Status)
				if len(response.StatusText) > 1000 {
					result.Status = response.StatusText[:1000]
				} else {
					result.Status = response.StatusText
				}
				responseHeaders = response.Headers
			}
		case *network.EventRequestWillBeSent:
			request := ev.Request
			if ev.RedirectResponse != nil {
				result.URL = request.URL
				slog.Debug("redirected.", slog.String("url", ev.RedirectResponse.URL))
			}
		}
	})
	err := chromedp.Run(ctx,
		chromedp.Tasks{
			network.Enable(),
			network.SetExtraHTTPHeaders(map[string]interface{}{
				"User-Agent": f.userAgent,
			}),
			enableLifeCycleEvents(),
			navigateAndWaitFor(rawURL, "networkIdle"),
		},
		chromedp.Title(&result.Title),
		chromedp.ActionFunc(func(ctx context.Context) error {
			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			result.Body, err = dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			return err
		}),
	)
	if responseHeaders["ETag"] != nil {
		result.ETag = responseHeaders["ETag"].(string)
	}
	result.TimeToFetch = time.Since(startTime).Milliseconds()

	return result, err
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, _, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		return waitFor(ctx, eventName)
	}
}

func waitFor(ctx context.Context, eventName string) error {
	ch := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chromedp.ListenTarget(cctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == eventName {
				cancel()
				close(ch)
			}
		}
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
