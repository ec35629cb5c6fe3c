package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const apiBase = "https://api.telegram.org"

// maxChunkSize keeps chunks under Telegram's 4096-char message limit
// with margin for part indicators.
const maxChunkSize = 4000

// Client talks to the Telegram Bot API. Outbound sends pass through a
// rate limiter so bursts of chunks stay under Telegram's per-bot cap.
type Client struct {
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(token string) *Client {
	return &Client{
		token: token,
		http:  &http.Client{Timeout: 60 * time.Second},
		// Telegram allows ~30 messages/second per bot.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

func (c *Client) apiURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", apiBase, c.token, method)
}

// call posts a JSON payload to a Bot API method and returns the raw
// response body on non-200.
func (c *Client) call(ctx context.Context, method string, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return respBody, fmt.Errorf("%s: %s", method, string(respBody))
	}
	return respBody, nil
}

// SendToTopic delivers text to a chat (and forum topic when topicID is
// non-zero), chunking long messages and falling back to plain text
// when Telegram rejects the HTML entities.
func (c *Client) SendToTopic(chatID, topicID int64, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	chunks := splitIntoChunks(text, maxChunkSize)
	total := len(chunks)
	if total > 1 {
		log.Printf("📨 [TELEGRAM] Splitting message (%d chars) into %d chunks", len(text), total)
	}
	for i, chunk := range chunks {
		if total > 1 {
			chunk = fmt.Sprintf("**[Part %d/%d]**\n\n%s", i+1, total, chunk)
		}
		if err := c.sendOne(ctx, chatID, topicID, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}

func (c *Client) sendOne(ctx context.Context, chatID, topicID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload := map[string]any{
		"chat_id":    chatID,
		"text":       toTelegramHTML(text),
		"parse_mode": "HTML",
	}
	if topicID != 0 {
		payload["message_thread_id"] = topicID
	}

	respBody, err := c.call(ctx, "sendMessage", payload)
	if err == nil {
		return nil
	}
	if !strings.Contains(string(respBody), "can't parse entities") {
		return err
	}

	// HTML rendering rejected, resend as plain text.
	log.Printf("⚠️ [TELEGRAM] HTML parsing failed, retrying without parse_mode")
	payload = map[string]any{
		"chat_id": chatID,
		"text":    stripMarkdown(text),
	}
	if topicID != 0 {
		payload["message_thread_id"] = topicID
	}
	_, err = c.call(ctx, "sendMessage", payload)
	return err
}

// SendTyping refreshes the typing indicator for a chat/topic.
func (c *Client) SendTyping(chatID, topicID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := map[string]any{"chat_id": chatID, "action": "typing"}
	if topicID != 0 {
		payload["message_thread_id"] = topicID
	}
	_, err := c.call(ctx, "sendChatAction", payload)
	return err
}

// SendDocument uploads a local file to a chat/topic.
func (c *Client) SendDocument(chatID, topicID int64, path, caption string) error {
	return c.sendFile(chatID, topicID, "sendDocument", "document", path, caption)
}

// SendPhoto uploads a local image to a chat/topic.
func (c *Client) SendPhoto(chatID, topicID int64, path, caption string) error {
	return c.sendFile(chatID, topicID, "sendPhoto", "photo", path, caption)
}

// SendVoice uploads a local audio file as a voice note.
func (c *Client) SendVoice(chatID, topicID int64, path string) error {
	return c.sendFile(chatID, topicID, "sendVoice", "voice", path, "")
}

func (c *Client) sendFile(chatID, topicID int64, method, field, path, caption string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.WriteField("chat_id", fmt.Sprintf("%d", chatID))
	if topicID != 0 {
		writer.WriteField("message_thread_id", fmt.Sprintf("%d", topicID))
	}
	if caption != "" {
		writer.WriteField("caption", caption)
	}
	part, err := writer.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(method), &body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", method, string(respBody))
	}
	return nil
}

// DownloadFile fetches a Telegram file by its file id into destDir and
// returns the local path.
func (c *Client) DownloadFile(ctx context.Context, fileID, destDir string) (string, error) {
	respBody, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return "", err
	}
	var meta struct {
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &meta); err != nil {
		return "", fmt.Errorf("parse getFile response: %w", err)
	}
	if meta.Result.FilePath == "" {
		return "", fmt.Errorf("getFile returned no path for %s", fileID)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", apiBase, c.token, meta.Result.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	local := filepath.Join(destDir, filepath.Base(meta.Result.FilePath))
	out, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", local, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("write %s: %w", local, err)
	}
	return local, nil
}

// SetWebhook registers the bot's webhook endpoint.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	_, err := c.call(ctx, "setWebhook", map[string]any{"url": url})
	return err
}

// DeleteWebhook removes the webhook so long polling can take over.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := c.call(ctx, "deleteWebhook", map[string]any{})
	return err
}
