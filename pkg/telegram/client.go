// Package telegram is a minimal Bot API client.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ConnectWalletData is the callback payload of the connect button.
const ConnectWalletData = "connect_wallet"

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Client sends messages through the Bot API.
type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a Client. apiURL defaults to the public Bot API.
func New(apiURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.token, method)
}

func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	return err
}

// SendTextWithKeyboard sends text with a single row of inline buttons.
func (c *Client) SendTextWithKeyboard(ctx context.Context, chatID, text string, buttons ...Button) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
		"reply_markup": map[string]any{
			"inline_keyboard": [][]Button{buttons},
		},
	})
	return err
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	if callbackID == "" {
		return nil
	}
	_, err := c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
	})
	return err
}

// SendPhoto uploads a PNG image.
func (c *Client) SendPhoto(ctx context.Context, chatID string, image []byte, caption string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("chat_id", chatID)
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile("photo", "image.png")
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return fmt.Errorf("write photo: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	_, err = c.do(req, "sendPhoto")
	return err
}

// FileDataURL downloads a file and returns it as a base64 data URL, so the
// bot token in the file URL never leaves the gateway.
func (c *Client) FileDataURL(ctx context.Context, fileID string) (string, error) {
	res, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return "", err
	}
	path := gjson.GetBytes(res, "file_path").String()
	if path == "" {
		return "", fmt.Errorf("getFile: missing file_path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/file/bot%s/%s", c.apiURL, c.token, path), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	mime := http.DetectContentType(data)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) call(ctx context.Context, method string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method)
}

// do sends req and returns the "result" field of a successful response.
func (c *Client) do(req *http.Request, method string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}
	if !gjson.GetBytes(respBody, "ok").Bool() {
		desc := gjson.GetBytes(respBody, "description").String()
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: %s", method, desc)
	}
	return []byte(gjson.GetBytes(respBody, "result").Raw), nil
}
