package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clubops/mailroom/internal/pkg/logger"
)

// SparkPostSender sends through the SparkPost Transmissions API, the
// club's primary delivery provider.
type SparkPostSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSparkPostSender creates a sender targeting the SparkPost v1 API.
func NewSparkPostSender(apiKey, baseURL string, timeout time.Duration) *SparkPostSender {
	if baseURL == "" {
		baseURL = "https://api.sparkpost.com/api/v1"
	}
	return &SparkPostSender{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name identifies this transport in delivery logs.
func (s *SparkPostSender) Name() string { return "sparkpost" }

// Send delivers a single email. A ≥400 response is a failed Result, not a
// returned error, so the dispatcher's fallback logic sees it.
func (s *SparkPostSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("sparkpost API key not configured")
	}

	start := time.Now()

	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.RecipientEmail, "name": msg.RecipientName}},
		},
		"content": map[string]interface{}{
			"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
			"subject": msg.Subject,
			"html":    msg.HTMLBody,
			"text":    msg.TextBody,
		},
		"options": map[string]interface{}{
			"open_tracking":  true,
			"click_tracking": true,
		},
	}
	if msg.ReplyTo != "" {
		content := transmission["content"].(map[string]interface{})
		content["reply_to"] = msg.ReplyTo
	}
	if msg.CampaignID != "" {
		transmission["metadata"] = map[string]interface{}{"campaign_id": msg.CampaignID}
	}
	if len(msg.Headers) > 0 {
		content := transmission["content"].(map[string]interface{})
		content["headers"] = msg.Headers
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and connection failures count like provider rejections.
		return &Result{
			Success:   false,
			Transport: s.Name(),
			Err:       err,
			Duration:  time.Since(start),
		}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &Result{
			Success:   false,
			Transport: s.Name(),
			Err:       fmt.Errorf("sparkpost error %d: %s", resp.StatusCode, string(body)),
			Duration:  time.Since(start),
		}, nil
	}

	var parsed struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	_ = json.Unmarshal(body, &parsed)

	logger.Debug("sparkpost accepted message",
		"recipient", msg.RecipientEmail, "message_id", parsed.Results.ID)

	return &Result{
		Success:   true,
		MessageID: parsed.Results.ID,
		Transport: s.Name(),
		SentAt:    time.Now(),
		Duration:  time.Since(start),
	}, nil
}
