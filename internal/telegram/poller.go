package telegram

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"courier/internal/models"
)

// UpdateHandler receives each inbound update.
type UpdateHandler func(update models.TelegramUpdate)

// Poller long-polls getUpdates and hands each update to the handler.
// Used when no public webhook URL is configured.
type Poller struct {
	client  *Client
	handler UpdateHandler
	offset  int64
}

func NewPoller(client *Client, handler UpdateHandler) *Poller {
	return &Poller{client: client, handler: handler}
}

// Run polls until the context is cancelled. Transient API errors back
// off briefly and polling resumes.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("📡 [TELEGRAM] Long polling started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("📡 [TELEGRAM] Long polling stopped")
			return
		default:
		}

		updates, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("⚠️ [TELEGRAM] getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, update := range updates {
			if update.UpdateID >= p.offset {
				p.offset = update.UpdateID + 1
			}
			p.handler(update)
		}
	}
}

func (p *Poller) fetch(ctx context.Context) ([]models.TelegramUpdate, error) {
	respBody, err := p.client.call(ctx, "getUpdates", map[string]any{
		"offset":  p.offset,
		"timeout": 30,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result []models.TelegramUpdate `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	return parsed.Result, nil
}
