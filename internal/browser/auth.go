package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	docexport "github.com/porticus-lab/go-doc-export"
)

// Cookie is one entry of a cookie file. Both the DevTools field name
// "expires" and the browser-extension name "expirationDate" are accepted.
type Cookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	Expires        float64 `json:"expires,omitempty"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`
}

// LoadCookies reads a JSON array of cookies from path.
func LoadCookies(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("browser: reading cookies: %w", err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("browser: decoding cookies: %w", err)
	}
	return cookies, nil
}

func (c Cookie) param() *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if p.Path == "" {
		p.Path = "/"
	}
	exp := c.Expires
	if exp == 0 {
		exp = c.ExpirationDate
	}
	if exp > 0 {
		t := cdp.TimeSinceEpoch(time.Unix(int64(exp), 0))
		p.Expires = &t
	}
	return p
}

// CookieAuthenticator installs a saved session into the browser and
// checks that ProbeURL no longer redirects to a login page.
type CookieAuthenticator struct {
	Path     string
	ProbeURL string
	Logger   *slog.Logger
}

// Authenticate implements [docexport.Authenticator]. It requires a
// *Driver.
func (a *CookieAuthenticator) Authenticate(ctx context.Context, d docexport.Driver) error {
	drv, ok := d.(*Driver)
	if !ok {
		return fmt.Errorf("browser: cookie authentication needs a chrome driver, got %T", d)
	}
	cookies, err := LoadCookies(a.Path)
	if err != nil {
		return err
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, c.param())
	}

	tctx, cancel := drv.bind(ctx, drv.cfg.navTimeout)
	defer cancel()
	if err := chromedp.Run(tctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("browser: installing cookies: %w", err)
	}
	if a.Logger != nil {
		a.Logger.Info("installed session cookies", "count", len(params))
	}
	return probe(ctx, d, a.ProbeURL)
}

// LoginAuthenticator opens LoginURL in a visible browser and waits for the
// user to sign in, up to Wait. With a persistent user data dir the login
// survives restarts.
type LoginAuthenticator struct {
	LoginURL string
	ProbeURL string
	Wait     time.Duration
	Poll     time.Duration
	Logger   *slog.Logger
}

// Authenticate implements [docexport.Authenticator].
func (a *LoginAuthenticator) Authenticate(ctx context.Context, d docexport.Driver) error {
	if a.ProbeURL != "" {
		if err := probe(ctx, d, a.ProbeURL); err == nil {
			return nil
		}
	}
	wait := a.Wait
	if wait <= 0 {
		wait = 5 * time.Minute
	}
	poll := a.Poll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if _, err := d.Navigate(ctx, a.LoginURL); err != nil {
		return err
	}
	if a.Logger != nil {
		a.Logger.Info("waiting for interactive login", "url", a.LoginURL, "timeout", wait)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("browser: login not completed: %w", ctx.Err())
		case <-ticker.C:
		}
		onLogin, err := d.CurrentLocationIndicatesAuthRedirect(ctx)
		if err != nil || onLogin {
			continue
		}
		if a.ProbeURL == "" {
			return nil
		}
		return probe(ctx, d, a.ProbeURL)
	}
}

var errStillOnLogin = errors.New("browser: still redirected to login")

func probe(ctx context.Context, d docexport.Driver, url string) error {
	if url == "" {
		return nil
	}
	if _, err := d.Navigate(ctx, url); err != nil {
		return err
	}
	onLogin, err := d.CurrentLocationIndicatesAuthRedirect(ctx)
	if err != nil {
		return err
	}
	if onLogin {
		return errStillOnLogin
	}
	return nil
}
