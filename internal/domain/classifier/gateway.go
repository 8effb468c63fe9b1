package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MaxTimeout bounds a single classification round trip.
const MaxTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

const prompt = `You are a hospital triage assistant. Read the attached medical document and answer in plain text with:
Condition: <short description of the patient's condition>
Severity: <integer 0-10, where 10 is life-threatening>
Specialist recommendation: <one of Cardiology, Neurology, Orthopedics, Pediatrics, Dermatology, Ophthalmology, Psychiatry, Emergency Medicine, General Medicine>
Then give a brief analysis.`

// generateRequest and generateResponse follow the generateContent wire shape.
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type GatewayConfig struct {
	// URL is the full endpoint. A "{model}" placeholder is replaced with Model.
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gateway calls the external classification service once per document. It
// does not retry; the intake orchestrator owns the fallback policy.
type Gateway struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

func NewGateway(cfg GatewayConfig, client *http.Client, logger zerolog.Logger) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Gateway{
		endpoint: strings.ReplaceAll(cfg.URL, "{model}", cfg.Model),
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		client:   client,
		logger:   logger.With().Str("component", "classifier").Logger(),
	}
}

func (g *Gateway) Classify(ctx context.Context, doc Document) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{
		{Text: prompt},
		{InlineData: &inlineData{MimeType: doc.ContentType, Data: base64.StdEncoding.EncodeToString(doc.Bytes)}},
	}}}})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrClassificationUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrClassificationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("x-goog-api-key", g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrClassificationUnavailable, g.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrClassificationUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrClassificationUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: service returned status %d", ErrClassificationUnavailable, resp.StatusCode)
	}

	g.logger.Debug().
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Int("document_bytes", len(doc.Bytes)).
		Msg("classification response")

	res := ParseNarrative(narrativeText(raw))
	return &res, nil
}

// narrativeText extracts candidate text from a generateContent response. A
// body that is not JSON is treated as the narrative itself; JSON without any
// candidate text yields an empty narrative. Neither case is an error.
func narrativeText(raw []byte) string {
	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for _, c := range gr.Candidates {
		for _, p := range c.Content.Parts {
			if sb.Len() > 0 && p.Text != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Disabled is used when no classification endpoint is configured; every call
// reports the service as unavailable so intakes take the degraded path.
type Disabled struct{}

func (Disabled) Classify(context.Context, Document) (*Result, error) {
	return nil, fmt.Errorf("%w: no classifier configured", ErrClassificationUnavailable)
}
