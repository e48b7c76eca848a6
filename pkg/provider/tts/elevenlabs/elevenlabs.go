// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Every call to SynthesizeStream opens its own websocket. The voice settings
// of the request's VoiceProfile (stability, similarity boost, style, speaker
// boost, speed) are sent in the initial message, so each synthesis unit can
// carry its own prosody. Cancelling the context closes the socket, which
// aborts generation on the server side.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/ghostvoice/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	streamPathFmt    = "/v1/text-to-speech/%s/stream-input"
	voicesPath       = "/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	providerName     = "elevenlabs"
	audioChanBuf     = 256
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the websocket base URL (scheme and host). Used to
// point the provider at a regional endpoint or a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(u, "/")
	}
}

// WithAPIURL overrides the REST base URL used by ListVoices.
func WithAPIURL(u string) Option {
	return func(p *Provider) {
		p.apiBase = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client used for REST calls and the websocket
// handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Style           float64  `json:"style"`
	UseSpeakerBoost bool     `json:"use_speaker_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a stream emitting raw PCM audio chunks.
//
// The audio channel is closed when ElevenLabs signals the final chunk, when
// the server reports an error, or when ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, resp, err := websocket.Dial(ctx, p.streamURL(voice), &websocket.DialOptions{HTTPClient: p.httpClient})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &tts.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: "handshake rejected"}
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", classify(ctx, err))
	}

	boiBytes, err := buildBOI(p.apiKey, voice.Settings)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: marshal BOI: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", classify(ctx, err))
	}

	audioCh := make(chan []byte, audioChanBuf)
	stream := tts.NewStream(audioCh)

	go func() {
		defer close(audioCh)
		defer conn.CloseNow()

		readDone := make(chan struct{})
		go func() {
			if err := p.writeText(ctx, conn, text, readDone); err != nil {
				stream.SetErr(err)
				conn.CloseNow()
			}
		}()

		err := p.readAudio(ctx, conn, audioCh)
		close(readDone)
		if err != nil {
			stream.SetErr(err)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}()

	return stream, nil
}

// writeText forwards text fragments and finishes with a flush and the
// end-of-stream marker. It returns early when the reader is done.
func (p *Provider) writeText(ctx context.Context, conn *websocket.Conn, text <-chan string, readDone <-chan struct{}) error {
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				for _, msg := range []textMessage{{Text: " ", Flush: true}, {Text: ""}} {
					data, _ := buildWSMessage(msg)
					if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
						return fmt.Errorf("elevenlabs: write end of input: %w", classify(ctx, err))
					}
				}
				return nil
			}
			if strings.TrimSpace(fragment) == "" {
				continue
			}
			// ElevenLabs expects every fragment to end with a space.
			if !strings.HasSuffix(fragment, " ") {
				fragment += " "
			}
			data, _ := buildWSMessage(textMessage{Text: fragment})
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("elevenlabs: write text: %w", classify(ctx, err))
			}
		case <-readDone:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// readAudio forwards decoded PCM until the final message. It returns nil on
// a clean finish.
func (p *Provider) readAudio(ctx context.Context, conn *websocket.Conn, audioCh chan<- []byte) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return classify(ctx, ctx.Err())
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return nil
				}
				return &tts.ProviderError{Provider: providerName, Status: int(status), Message: "connection closed"}
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" || (resp.Message != "" && resp.Audio == "" && !resp.IsFinal) {
			m := resp.Error
			if m == "" {
				m = resp.Message
			}
			return &tts.ProviderError{Provider: providerName, Status: resp.Code, Message: m}
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			select {
			case audioCh <- pcm:
			case <-ctx.Done():
				return classify(ctx, ctx.Err())
			}
		}
		if resp.IsFinal {
			return nil
		}
	}
}

// classify marks deadline expiry as a provider timeout.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", tts.ErrProviderTimeout, err)
	}
	return err
}

func (p *Provider) streamURL(voice tts.VoiceProfile) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if lang := primaryLanguage(voice.Language); lang != "" && strings.Contains(p.model, "v2_5") {
		q.Set("language_code", lang)
	}
	return p.wsBase + fmt.Sprintf(streamPathFmt, url.PathEscape(voice.ID)) + "?" + q.Encode()
}

func primaryLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &tts.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: "list voices"}
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toProfiles(vr), nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(msg textMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// buildBOI constructs the initial message. Zero settings omit voice_settings
// so that the voice's stored defaults apply.
func buildBOI(apiKey string, s tts.VoiceSettings) ([]byte, error) {
	boi := boiMessage{Text: " ", XiAPIKey: apiKey}
	if s != (tts.VoiceSettings{}) {
		vs := &voiceSettings{
			Stability:       s.Stability,
			SimilarityBoost: s.SimilarityBoost,
			Style:           s.Style,
			UseSpeakerBoost: s.SpeakerBoost,
		}
		if s.Speed > 0 {
			speed := s.Speed
			vs.Speed = &speed
		}
		boi.VoiceSettings = vs
	}
	return json.Marshal(boi)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return toProfiles(vr), nil
}

func toProfiles(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return profiles
}

var _ tts.Provider = (*Provider)(nil)
