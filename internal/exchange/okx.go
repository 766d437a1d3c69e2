package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gridterm/internal/models"
	"gridterm/pkg/ratelimit"
)

const (
	okxBaseURL   = "https://www.okx.com"
	okxStreamURL = "wss://ws.okx.com:8443/ws/v5/private"
)

// OKX реализует интерфейс Client для биржи OKX
//
// Единственная поддерживаемая биржа с обязательной passphrase:
// заголовок OK-ACCESS-PASSPHRASE идёт в каждом подписанном запросе.
type OKX struct {
	apiKey     string
	secretKey  string
	passphrase string

	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter

	connected bool
}

// NewOKX создает новый экземпляр клиента OKX
func NewOKX(limiter *ratelimit.Limiter) *OKX {
	return &OKX{
		baseURL:    okxBaseURL,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    limiter,
	}
}

// sign создает подпись запроса: base64(HMAC-SHA256(secret, timestamp+method+path))
func (o *OKX) sign(timestamp, method, requestPath string) string {
	h := hmac.New(sha256.New, []byte(o.secretKey))
	h.Write([]byte(timestamp + method + requestPath))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// doRequest выполняет подписанный HTTP запрос к OKX API
func (o *OKX) doRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	requestPath := endpoint
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		requestPath += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+requestPath, strings.NewReader(""))
	if err != nil {
		return nil, err
	}

	// OKX требует ISO8601 timestamp с миллисекундами
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", o.sign(timestamp, method, requestPath))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var baseResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, err
	}

	if baseResp.Code != "0" {
		return nil, &ClientError{
			Exchange: "okx",
			Code:     baseResp.Code,
			Message:  baseResp.Msg,
		}
	}

	return body, nil
}

// Connect привязывает учётные данные и проверяет их запросом баланса
func (o *OKX) Connect(ctx context.Context, cred *models.DecryptedCredential) error {
	o.apiKey = cred.APIKey
	o.secretKey = cred.APISecret
	o.passphrase = cred.Passphrase

	if _, err := o.GetBalance(ctx); err != nil {
		return fmt.Errorf("failed to connect to OKX: %w", err)
	}

	o.connected = true
	return nil
}

func (o *OKX) GetName() string {
	return "okx"
}

// Ping проверяет учётные данные лёгким подписанным запросом
func (o *OKX) Ping(ctx context.Context) error {
	_, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/config", nil)
	return err
}

func (o *OKX) GetBalance(ctx context.Context) (float64, error) {
	body, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/balance", map[string]string{"ccy": "USDT"})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Data []struct {
			Details []struct {
				Ccy string `json:"ccy"`
				Eq  string `json:"eq"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}

	if len(resp.Data) > 0 {
		for _, detail := range resp.Data[0].Details {
			if detail.Ccy == "USDT" {
				equity, _ := strconv.ParseFloat(detail.Eq, 64)
				return equity, nil
			}
		}
	}

	return 0, nil
}

func (o *OKX) Close() error {
	o.connected = false
	return nil
}
