// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/service/stt"
)

// Provider is the provider name used in logs and metrics.
const Provider = "google"

// Config holds Google STT configuration.
type Config struct {
	LanguageCode      string
	SampleRateHz      int32
	InterimResults    bool
	AudioEncoding     string
	EndSilenceTimeout time.Duration
	EnableDiarization bool
	MinSpeakers       int32
	MaxSpeakers       int32
	Model             string
}

// DefaultConfig returns sensible defaults for a two-party call.
func DefaultConfig() Config {
	return Config{
		LanguageCode:      "en-US",
		SampleRateHz:      16000,
		InterimResults:    true,
		AudioEncoding:     "LINEAR16",
		EndSilenceTimeout: 700 * time.Millisecond,
		EnableDiarization: true,
		MinSpeakers:       2,
		MaxSpeakers:       2,
	}
}

// ConfigFromOptions applies session options over DefaultConfig.
func ConfigFromOptions(opts stt.Options) Config {
	return DefaultConfig().WithOptions(opts)
}

// WithOptions returns cfg with the session options applied.
func (cfg Config) WithOptions(opts stt.Options) Config {
	if opts.LanguageCode != "" {
		cfg.LanguageCode = opts.LanguageCode
	}
	if opts.SampleRateHz > 0 {
		cfg.SampleRateHz = int32(opts.SampleRateHz)
	}
	if opts.EndSilenceTimeout > 0 {
		cfg.EndSilenceTimeout = opts.EndSilenceTimeout
	}
	return cfg
}

// Endpoint returns the regional gRPC endpoint, or "" for the global one.
func Endpoint(region string) string {
	if region == "" || region == "global" {
		return ""
	}
	return region + "-speech.googleapis.com:443"
}

// ClientOptions builds client options for a short-lived bearer token.
func ClientOptions(creds stt.Credentials) []option.ClientOption {
	var opts []option.ClientOption
	if creds.Token != "" {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: creds.Token,
			TokenType:   "Bearer",
		})))
	}
	if ep := Endpoint(creds.Region); ep != "" {
		opts = append(opts, option.WithEndpoint(ep))
	}
	return opts
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
//
// With an end-silence timeout the server ends each stream once speech has
// paused for that long. The adapter then opens a new stream so listening
// continues, and reports offsets relative to the start of the first stream.
type Adapter struct {
	client     *speech.Client
	config     Config
	logger     zerolog.Logger
	openStream func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

	mu       sync.Mutex
	ctx      context.Context
	stream   speechpb.Speech_StreamingRecognizeClient
	cb       stt.Callback
	closed   bool
	restarts int

	// base is the audio time covered by earlier streams of this session.
	base time.Duration
	// sent counts audio bytes passed to the current stream.
	sent int64
	// utteranceStart is the end time of the previous final result on the
	// current stream.
	utteranceStart time.Duration
}

// New creates a Google STT adapter. Without a token the client falls back to
// application default credentials.
func New(ctx context.Context, creds stt.Credentials, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx, ClientOptions(creds)...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Adapter{
		client: c,
		config: cfg,
		logger: logging.WithComponent("stt-google"),
		openStream: func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
			return c.StreamingRecognize(ctx)
		},
	}, nil
}

// NewFactory returns an stt.Factory producing Google adapters configured from
// base with each session's options applied.
func NewFactory(base Config) stt.Factory {
	return func(ctx context.Context, creds stt.Credentials, opts stt.Options) (stt.Adapter, error) {
		return New(ctx, creds, base.WithOptions(opts))
	}
}

// StreamingConfig builds the first request of a streaming session.
func StreamingConfig(cfg Config) *speechpb.StreamingRecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(cfg.AudioEncoding),
		SampleRateHertz:            cfg.SampleRateHz,
		LanguageCode:               cfg.LanguageCode,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      cfg.EnableDiarization,
		Model:                      cfg.Model,
	}
	if cfg.EnableDiarization {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          cfg.MinSpeakers,
			MaxSpeakerCount:          cfg.MaxSpeakers,
		}
	}
	sc := &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: cfg.InterimResults,
	}
	if cfg.EndSilenceTimeout > 0 {
		sc.EnableVoiceActivityEvents = true
		sc.VoiceActivityTimeout = &speechpb.StreamingRecognitionConfig_VoiceActivityTimeout{
			SpeechEndTimeout: durationpb.New(cfg.EndSilenceTimeout),
		}
	}
	return sc
}

// Start begins a streaming recognition session and sends the initial config.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.open(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.ctx = ctx
	a.stream = stream
	a.cb = cb
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

func (a *Adapter) open(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	stream, err := a.openStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open streaming recognize: %w", err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: StreamingConfig(a.config),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send streaming config: %w", err)
	}
	return stream, nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	stream, closed := a.stream, a.closed
	if stream != nil && !closed {
		a.sent += int64(len(audio))
	}
	a.mu.Unlock()
	if stream == nil || closed {
		return nil
	}
	err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	if errors.Is(err, io.EOF) {
		// The server ended this stream; listen reopens it or reports why.
		return nil
	}
	return err
}

// Close half-closes the stream; the listener reports OnSessionStopped when
// the server finishes. The client is closed once the listener exits.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.stream != nil {
		return a.stream.CloseSend()
	}
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// listen receives responses until the session ends, moving to a new stream
// each time the server ends one at a pause in speech.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	defer func() {
		if a.client != nil {
			a.client.Close()
		}
	}()
	for {
		err := a.receive(stream, cb)
		stopped, code := classifyError(err)
		if !stopped {
			a.logger.Warn().Err(err).Str("code", code).Msg("Recognition stream canceled")
			cb.OnCanceled(&stt.CancellationError{Provider: Provider, Code: code, Err: err})
			return
		}
		next, err := a.reopen()
		if err != nil {
			a.logger.Warn().Err(err).Msg("Could not reopen recognition stream")
			cb.OnCanceled(&stt.CancellationError{Provider: Provider, Code: "reopen", Err: err})
			return
		}
		if next == nil {
			cb.OnSessionStopped()
			return
		}
		stream = next
	}
}

// receive dispatches results from one stream and returns the error that
// ended it.
func (a *Adapter) receive(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) error {
	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		if resp.Error != nil && resp.Error.Code != int32(codes.OK) {
			return status.ErrorProto(resp.Error)
		}
		for _, r := range resp.Results {
			a.dispatch(r, cb)
		}
	}
}

// reopen replaces a stream the server ended at a pause in speech. It
// returns nil when the adapter is closing or segmentation is off, in which
// case the session is over.
func (a *Adapter) reopen() (speechpb.Speech_StreamingRecognizeClient, error) {
	a.mu.Lock()
	ctx, closed := a.ctx, a.closed
	a.mu.Unlock()
	if closed || a.config.EndSilenceTimeout <= 0 || ctx == nil || ctx.Err() != nil {
		return nil, nil
	}

	stream, err := a.open(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		_ = stream.CloseSend()
		return nil, nil
	}
	a.base += a.streamDurationLocked()
	a.sent = 0
	a.utteranceStart = 0
	a.stream = stream
	a.restarts++
	a.logger.Debug().Int("restarts", a.restarts).Dur("base", a.base).Msg("Recognition stream reopened after end of speech")
	return stream, nil
}

// streamDurationLocked converts the LINEAR16 bytes sent on the current
// stream to audio time.
func (a *Adapter) streamDurationLocked() time.Duration {
	rate := int64(a.config.SampleRateHz)
	if rate <= 0 {
		return 0
	}
	return time.Duration(a.sent/2) * time.Second / time.Duration(rate)
}

func (a *Adapter) dispatch(r *speechpb.StreamingRecognitionResult, cb stt.Callback) {
	if len(r.Alternatives) == 0 {
		return
	}
	alt := r.Alternatives[0]

	a.mu.Lock()
	base, start := a.base, a.utteranceStart
	end := r.GetResultEndTime().AsDuration()
	if r.IsFinal {
		a.utteranceStart = end
	}
	a.mu.Unlock()

	res := stt.Result{
		Text:       alt.Transcript,
		Speaker:    speakerLabel(alt.Words),
		Offset:     DurationToTicks(base + start),
		Duration:   end - start,
		Confidence: float64(alt.Confidence),
	}
	if r.IsFinal {
		if res.Text == "" {
			return
		}
		cb.OnFinal(res)
	} else {
		cb.OnPartial(res)
	}
}

// DurationToTicks converts a stream position to 100 ns ticks.
func DurationToTicks(d time.Duration) int64 {
	return int64(d / 100)
}

// speakerLabel attributes a result to the speaker of its last word.
func speakerLabel(words []*speechpb.WordInfo) string {
	for i := len(words) - 1; i >= 0; i-- {
		if tag := words[i].GetSpeakerTag(); tag > 0 {
			return fmt.Sprintf("Guest-%d", tag)
		}
	}
	return ""
}

// classifyError reports whether err is a normal end of stream, and a short
// code for everything else.
func classifyError(err error) (stopped bool, code string) {
	if errors.Is(err, io.EOF) {
		return true, "eof"
	}
	if errors.Is(err, context.Canceled) {
		return true, "canceled"
	}
	st, ok := status.FromError(err)
	if !ok {
		return false, "unknown"
	}
	switch st.Code() {
	case codes.Canceled:
		return true, "canceled"
	case codes.Unauthenticated:
		return false, "unauthenticated"
	case codes.PermissionDenied:
		return false, "permission_denied"
	case codes.OutOfRange:
		return false, "stream_limit"
	case codes.ResourceExhausted:
		return false, "quota"
	case codes.InvalidArgument:
		return false, "invalid_argument"
	case codes.DeadlineExceeded:
		return false, "deadline"
	case codes.Unavailable:
		return false, "unavailable"
	default:
		return false, "engine"
	}
}

// parseAudioEncoding converts string encoding to Google Speech enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
