package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	binanceBaseURL    = "https://fapi.binance.com"
	binanceStreamURL  = "wss://fstream.binance.com/ws"
	binanceRecvWindow = "5000"
)

// Binance реализует интерфейс Client для биржи Binance (фьючерсы USDT-M)
type Binance struct {
	apiKey    string
	secretKey string

	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter

	connected bool
}

// NewBinance создает новый экземпляр клиента Binance
// Использует глобальный HTTP клиент с connection pooling
func NewBinance(limiter *ratelimit.Limiter) *Binance {
	return &Binance{
		baseURL:    binanceBaseURL,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    limiter,
	}
}

// sign создает подпись HMAC-SHA256 строки запроса
func (b *Binance) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет подписанный HTTP запрос к Binance API
//
// Подпись Binance: timestamp и recvWindow добавляются в строку запроса,
// signature = hex(HMAC-SHA256(secret, queryString)).
func (b *Binance) doRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query.Set("recvWindow", binanceRecvWindow)

	payload := query.Encode()
	reqURL := b.baseURL + endpoint + "?" + payload + "&signature=" + b.sign(payload)

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(""))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return nil, &ClientError{
			Exchange: "binance",
			Code:     strconv.Itoa(apiErr.Code),
			Message:  apiErr.Msg,
		}
	}

	return body, nil
}

// Connect привязывает учётные данные и проверяет их запросом баланса
func (b *Binance) Connect(ctx context.Context, cred *models.DecryptedCredential) error {
	b.apiKey = cred.APIKey
	b.secretKey = cred.APISecret

	if _, err := b.GetBalance(ctx); err != nil {
		return fmt.Errorf("failed to connect to Binance: %w", err)
	}

	b.connected = true
	return nil
}

func (b *Binance) GetName() string {
	return "binance"
}

// Ping выполняет лёгкий подписанный запрос для проверки учётных данных
func (b *Binance) Ping(ctx context.Context) error {
	_, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil)
	return err
}

func (b *Binance) GetBalance(ctx context.Context) (float64, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, err
	}

	var balances []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, err
	}

	for _, bal := range balances {
		if bal.Asset == "USDT" {
			value, _ := strconv.ParseFloat(bal.Balance, 64)
			return value, nil
		}
	}

	return 0, nil
}

func (b *Binance) Close() error {
	b.connected = false
	return nil
}
