package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"
)

const defaultLineAPIRoot = "https://api.line.me"

// LINE rejects text messages longer than this.
const maxLineText = 5000

type LineConfig struct {
	Token      string
	APIRoot    string
	RatePerSec float64
	Client     *http.Client
}

// Line pushes text messages through the LINE Messaging API.
type Line struct {
	cfg     LineConfig
	limiter *rate.Limiter
}

func NewLine(cfg LineConfig) *Line {
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultLineAPIRoot
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Line{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

func (l *Line) Push(ctx context.Context, target string, text string) error {
	if strings.TrimSpace(l.cfg.Token) == "" {
		return fmt.Errorf("line channel access token is required")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("line push target is required")
	}
	if len([]rune(text)) > maxLineText {
		text = string([]rune(text)[:maxLineText])
	}

	body, err := sjson.SetBytes([]byte(`{}`), "to", target)
	if err != nil {
		return err
	}
	if body, err = sjson.SetBytes(body, "messages.0.type", "text"); err != nil {
		return err
	}
	if body, err = sjson.SetBytes(body, "messages.0.text", text); err != nil {
		return err
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.call(ctx, "/v2/bot/message/push", body)
}

func (l *Line) call(ctx context.Context, path string, body []byte) error {
	url := strings.TrimRight(l.cfg.APIRoot, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.Token)

	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(respBody, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		if detail := gjson.GetBytes(respBody, "details.0.message").String(); detail != "" {
			msg += ": " + detail
		}
		return fmt.Errorf("line api status=%d: %s", resp.StatusCode, msg)
	}
	return nil
}
