package client

import (
	"net/http"
	"time"

	"coinlink/config"
	"coinlink/internal/api"
	"coinlink/internal/backoff"
	"coinlink/internal/connection"
	"coinlink/internal/transport"
	"coinlink/logger"
	"coinlink/models"
)

// Options configures a Client. Zero values fall back to the defaults of
// the underlying packages.
type Options struct {
	// URL is the push WebSocket endpoint. Ignored when Dialer is set.
	URL string
	// APIURL is the base of the chat REST endpoints. Ignored when API is set.
	APIURL string

	Credential string
	// SubjectID is sent as user_id in subscribe commands when set.
	SubjectID string
	SessionID string
	Topics    []models.Topic

	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	SendTimeout      time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration

	RequestsPerSecond float64
	Burst             int
	FeedbackAttempts  int
	HTTPClient        *http.Client

	Dialer transport.Dialer
	API    *api.Client
	Log    *logger.Log
	// Now stamps received updates. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the file configuration onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	topics, _ := models.ParseTopics(cfg.Connection.Topics)
	return Options{
		URL:               cfg.Connection.URL,
		APIURL:            cfg.API.URL,
		Credential:        cfg.Connection.Token,
		SubjectID:         cfg.Connection.SubjectID,
		SessionID:         cfg.API.SessionID,
		Topics:            topics,
		MaxAttempts:       cfg.Connection.MaxAttempts,
		BackoffBase:       cfg.Connection.BackoffBase,
		BackoffCap:        cfg.Connection.BackoffCap,
		DialTimeout:       cfg.Connection.DialTimeout,
		HandshakeTimeout:  cfg.Connection.HandshakeTimeout,
		AckTimeout:        cfg.Connection.AckTimeout,
		PingInterval:      cfg.Connection.PingInterval,
		PongWait:          cfg.Connection.PongWait,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.BurstSize,
		FeedbackAttempts:  cfg.API.FeedbackAttempts,
	}
}

func (o Options) connectionConfig() connection.Config {
	base, ceiling := o.BackoffBase, o.BackoffCap
	if base <= 0 {
		base = backoff.DefaultBase
	}
	if ceiling <= 0 {
		ceiling = backoff.DefaultCap
	}
	return connection.Config{
		MaxAttempts:      o.MaxAttempts,
		Backoff:          backoff.New(base, ceiling),
		DialTimeout:      o.DialTimeout,
		HandshakeTimeout: o.HandshakeTimeout,
		AckTimeout:       o.AckTimeout,
		SendTimeout:      o.SendTimeout,
		SubjectID:        o.SubjectID,
	}
}

func (o Options) dialer(log *logger.Log) transport.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return &transport.WSDialer{
		URL:              o.URL,
		PingInterval:     o.PingInterval,
		PongWait:         o.PongWait,
		WriteTimeout:     o.SendTimeout,
		HandshakeTimeout: o.HandshakeTimeout,
		Log:              log.WithComponent("transport"),
	}
}

func (o Options) apiClient(log *logger.Log) *api.Client {
	if o.API != nil {
		return o.API
	}
	return api.NewClient(api.Options{
		BaseURL:           o.APIURL,
		HTTPClient:        o.HTTPClient,
		RequestsPerSecond: o.RequestsPerSecond,
		Burst:             o.Burst,
		FeedbackAttempts:  o.FeedbackAttempts,
		Log:               log.WithComponent("api"),
	})
}
