package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
)

// Backend sends canonical audio to the Google Web Speech API (v2).
// Requests are made once; failures are not retried.
type Backend struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

func New(cfg config.CloudConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	key := cfg.APIKey
	if key == "" {
		key = config.DefaultCloudKey
	}
	return &Backend{
		endpoint: cfg.Endpoint,
		apiKey:   key,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("component", "cloud_backend")),
	}
}

func (b *Backend) Name() string {
	return recognition.BackendCloud
}

type speechResponse struct {
	Result []struct {
		Alternative []struct {
			Transcript string   `json:"transcript"`
			Confidence *float64 `json:"confidence"`
		} `json:"alternative"`
		Final bool `json:"final"`
	} `json:"result"`
	ResultIndex int `json:"result_index"`
}

func (b *Backend) Recognize(ctx context.Context, asset audio.Asset, language string) recognition.Outcome {
	pcm, err := audio.Decode(asset.Path)
	if err != nil {
		return recognition.Failedf(recognition.ReasonOther, "read audio: %v", err)
	}
	pcm = pcm.To16Bit().Mono()

	body := make([]byte, len(pcm.Samples)*2)
	for i, s := range pcm.Samples {
		binary.BigEndian.PutUint16(body[i*2:], uint16(int16(s)))
	}

	if language == "" {
		language = "en-US"
	}
	query := url.Values{}
	query.Set("client", "chromium")
	query.Set("lang", language)
	query.Set("key", b.apiKey)
	query.Set("output", "json")
	query.Set("pFilter", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return recognition.Failedf(recognition.ReasonOther, "build request: %v", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d", pcm.SampleRate))

	started := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("speech request failed", slogError(err))
		return recognition.Failedf(recognition.ReasonServiceUnavailable, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return recognition.Failedf(recognition.ReasonServiceUnavailable, "speech api returned status %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return recognition.Failedf(recognition.ReasonOther, "speech api returned status %s", resp.Status)
	}

	text, err := parseResponse(resp.Body)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return recognition.Failedf(recognition.ReasonServiceUnavailable, "read response: %v", err)
		}
		return recognition.Failedf(recognition.ReasonOther, "parse response: %v", err)
	}
	b.logger.Debug("speech request completed",
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(started)),
		slog.Bool("recognized", text != ""),
	)
	if text == "" {
		return recognition.Failed(recognition.ReasonUnintelligible, "no speech recognized")
	}
	return recognition.Text(text)
}

// parseResponse reads newline-delimited JSON and returns the best
// transcript of the first non-empty result. The service usually sends an
// empty {"result":[]} line first.
func parseResponse(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk speechResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", err
		}
		for _, result := range chunk.Result {
			if len(result.Alternative) == 0 {
				continue
			}
			best := 0
			bestConfidence := -1.0
			for i, alt := range result.Alternative {
				if alt.Confidence != nil && *alt.Confidence > bestConfidence {
					best = i
					bestConfidence = *alt.Confidence
				}
			}
			return result.Alternative[best].Transcript, nil
		}
	}
	return "", scanner.Err()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
