package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"courier/internal/attachments"
	"courier/internal/models"
)

// intakeResult is a normalized inbound message: the prompt text, the
// message kind for memory capture, and any downloaded attachments.
type intakeResult struct {
	prompt      string
	kind        string
	attachments []string
}

// intake normalizes one message. Voice is transcribed; photos and
// documents are downloaded into the sanctioned directory; PDF contents
// are previewed inline. Returns nil when there is nothing to act on.
func (b *Bot) intake(msg *models.TelegramMessage) (*intakeResult, error) {
	switch {
	case msg.Voice != nil || msg.Audio != nil:
		return b.intakeAudio(msg)
	case len(msg.Photo) > 0:
		return b.intakePhoto(msg)
	case msg.Document != nil:
		return b.intakeDocument(msg)
	case strings.TrimSpace(msg.Text) != "":
		return &intakeResult{prompt: strings.TrimSpace(msg.Text), kind: kindFor(msg.Text)}, nil
	}
	return nil, nil
}

func kindFor(text string) string {
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		return models.KindCommand
	}
	return models.KindText
}

func (b *Bot) intakeAudio(msg *models.TelegramMessage) (*intakeResult, error) {
	fileID := ""
	if msg.Voice != nil {
		fileID = msg.Voice.FileID
	} else {
		fileID = msg.Audio.FileID
	}

	if !b.transcriber.Enabled() {
		return nil, fmt.Errorf("voice messages need a configured transcriber (TRANSCRIBER_URL)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	local, err := b.transport.DownloadFile(ctx, fileID, b.attachments.Dir())
	if err != nil {
		return nil, fmt.Errorf("download voice message: %w", err)
	}
	b.attachments.Track(local)

	text, err := b.transcriber.Transcribe(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("transcribe voice message: %w", err)
	}
	log.Printf("🎙️ [BOT] Transcribed voice message (%d chars)", len(text))

	prompt := "[voice] " + strings.TrimSpace(text)
	if caption := strings.TrimSpace(msg.Caption); caption != "" {
		prompt = caption + "\n\n" + prompt
	}
	return &intakeResult{prompt: prompt, kind: models.KindAudio}, nil
}

func (b *Bot) intakePhoto(msg *models.TelegramMessage) (*intakeResult, error) {
	// Telegram sends several sizes; the last is the largest.
	fileID := msg.Photo[len(msg.Photo)-1].FileID

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	local, err := b.transport.DownloadFile(ctx, fileID, b.attachments.Dir())
	if err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}
	b.attachments.Track(local)

	prompt := strings.TrimSpace(msg.Caption)
	if prompt == "" {
		prompt = "The user sent an image. Describe or act on it as appropriate."
	}
	return &intakeResult{
		prompt:      prompt,
		kind:        models.KindImage,
		attachments: []string{local},
	}, nil
}

func (b *Bot) intakeDocument(msg *models.TelegramMessage) (*intakeResult, error) {
	doc := msg.Document

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	local, err := b.transport.DownloadFile(ctx, doc.FileID, b.attachments.Dir())
	if err != nil {
		return nil, fmt.Errorf("download document %s: %w", doc.FileName, err)
	}
	b.attachments.Track(local)

	prompt := strings.TrimSpace(msg.Caption)

	// Images sent "as file" keep full resolution but are still images.
	if strings.HasPrefix(doc.MimeType, "image/") {
		if prompt == "" {
			prompt = "The user sent an image. Describe or act on it as appropriate."
		}
		return &intakeResult{prompt: prompt, kind: models.KindImage, attachments: []string{local}}, nil
	}

	if strings.EqualFold(doc.MimeType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(doc.FileName), ".pdf") {
		preview, err := attachments.PDFPreview(local, 4000)
		if err != nil {
			log.Printf("⚠️ [BOT] PDF preview failed for %s: %v", doc.FileName, err)
		} else if preview != "" {
			prompt += fmt.Sprintf("\n\n[DOCUMENT %s]\n%s\n[/DOCUMENT]", doc.FileName, preview)
		}
	}

	if strings.TrimSpace(prompt) == "" {
		prompt = fmt.Sprintf("The user sent a file named %q.", doc.FileName)
	}
	return &intakeResult{
		prompt:      strings.TrimSpace(prompt),
		kind:        models.KindDocument,
		attachments: []string{local},
	}, nil
}
