package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/telemetry"
)

// Envelope is the JSON body posted to the external consumer.
type Envelope struct {
	ContainerData struct {
		Record telemetry.Document `json:"record"`
	} `json:"containerData"`
}

// DeliveryError is a completed request the consumer refused.
type DeliveryError struct {
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("forward: destination responded %d", e.StatusCode)
}

// HTTPSender posts reconstructed records to one destination URL. Any 2xx
// response is success; everything else, including transport errors and
// timeouts, is a delivery failure.
type HTTPSender struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPSender creates a sender for the given destination. The client
// timeout is a backstop; each attempt is also bounded by the context the
// retry queue passes in.
func NewHTTPSender(url string, timeout time.Duration, logger zerolog.Logger) *HTTPSender {
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "HTTPSender").Logger(),
	}
}

// Send posts one record envelope.
func (s *HTTPSender) Send(ctx context.Context, doc telemetry.Document) error {
	var envelope Envelope
	envelope.ContainerData.Record = doc

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("forward: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &DeliveryError{StatusCode: resp.StatusCode}
	}
	return nil
}
