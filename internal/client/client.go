// Package client wires the push channel, the notification store, the alert
// presenter, the dashboard reconciler and the action gates into one running
// client.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/markus-barta/epiwatch/internal/actions"
	"github.com/markus-barta/epiwatch/internal/alerts"
	"github.com/markus-barta/epiwatch/internal/api"
	"github.com/markus-barta/epiwatch/internal/config"
	"github.com/markus-barta/epiwatch/internal/dashboard"
	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/notifications"
	"github.com/markus-barta/epiwatch/internal/observable"
	"github.com/markus-barta/epiwatch/internal/protocol"
	"github.com/markus-barta/epiwatch/internal/realtime"
	"github.com/markus-barta/epiwatch/internal/status"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Deps lets callers replace collaborators, mainly in tests. Zero values
// are built from the config.
type Deps struct {
	API    api.Client
	Player alerts.Player
}

// Client is the running epiwatch client.
type Client struct {
	cfg *config.Config
	log zerolog.Logger

	api       api.Client
	conn      *realtime.Client
	store     *notifications.Store
	poller    *notifications.Poller
	alerts    *alerts.Presenter
	dashboard *dashboard.Reconciler
	actions   *actions.Actions
	session   *observable.Value[models.Session]
	server    *http.Server

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// New builds a client. Nothing connects until Run.
func New(cfg *config.Config, filters models.Filters, log zerolog.Logger, deps Deps) (*Client, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	apiClient := deps.API
	if apiClient == nil {
		apiClient = api.NewClient(api.ClientConfig{
			BaseURL: cfg.APIURL,
			Tokens:  api.StaticToken(cfg.Token),
			Timeout: cfg.RequestTimeout,
			Log:     log,
		})
	}

	token := cfg.Token
	conn, err := realtime.NewClient(realtime.Config{
		URL:   cfg.PushURL(),
		Token: func() string { return token },
	}, log)
	if err != nil {
		return nil, err
	}

	store, err := notifications.Open(log)
	if err != nil {
		conn.Disconnect()
		return nil, err
	}

	player := deps.Player
	if !cfg.Audio {
		player = nil
	}

	c := &Client{
		cfg:    cfg,
		log:    log.With().Str("component", "client").Logger(),
		api:    apiClient,
		conn:   conn,
		store:  store,
		poller: notifications.NewPoller(store, apiClient, cfg.PollInterval, cfg.RequestTimeout, log),
		alerts: alerts.NewPresenter(alerts.Config{Duration: cfg.AlertDuration, Player: player}, log),
		dashboard: dashboard.NewReconciler(apiClient, dashboard.Config{
			Filters:  filters,
			Timeout:  cfg.RequestTimeout,
			Interval: cfg.DashboardInterval,
		}, log),
		actions: actions.New(apiClient, cfg.ActionTimeout, log),
		session: observable.NewValue(models.Session{
			Authenticated: cfg.Token != "",
			Theme:         cfg.Theme,
			Connection:    realtime.Disconnected.String(),
		}).WithPanicHandler(observable.LogPanics(log)),
	}
	c.wire()

	if cfg.Listen != "" {
		c.server = status.NewServer(c, log).HTTPServer(cfg.Listen)
	}
	return c, nil
}

// wire connects the components the way events flow between them.
func (c *Client) wire() {
	ingest := c.conn.On(protocol.TopicNewDelivery, func(ev protocol.Event) {
		nd, ok := ev.(protocol.NewDelivery)
		if !ok || nd.Notification == nil {
			return
		}
		if _, err := c.store.Ingest(*nd.Notification); err != nil {
			c.log.Error().Err(err).Str("id", nd.Notification.ID).Msg("failed to store notification")
		}
	})
	c.dashboard.Bind(c.conn)

	notice := c.conn.On(protocol.TopicDeliveryNotice, func(ev protocol.Event) {
		if dn, ok := ev.(protocol.DeliveryNotice); ok {
			c.alerts.PresentMessage(dn.Msg)
		}
	})

	unInsert := c.store.OnInsert(func(n models.Notification, origin notifications.Origin) {
		if origin == notifications.OriginPush {
			c.alerts.Present(n)
		}
	})

	state := c.conn.OnState(func(s realtime.State) {
		c.log.Info().Str("state", s.String()).Msg("push channel")
		c.session.Update(func(cur models.Session) models.Session {
			cur.Connection = s.String()
			return cur
		})
	})

	c.unsubs = append(c.unsubs, ingest.Unsubscribe, notice.Unsubscribe, unInsert, state.Unsubscribe)
}

// Run connects the push channel, seeds and polls notifications, loads the
// dashboard and serves the optional status API until ctx ends or one of
// them fails.
func (c *Client) Run(ctx context.Context) error {
	c.log.Info().
		Str("api", c.cfg.APIURL).
		Str("push", c.conn.Endpoint()).
		Msg("starting client")

	g, ctx := errgroup.WithContext(ctx)

	handle, err := c.conn.Connect(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-handle.Done()
		return nil
	})

	g.Go(func() error { return c.poller.Run(ctx) })

	c.dashboard.Refresh()
	g.Go(func() error { return c.dashboard.Run(ctx) })

	if c.server != nil {
		srv := c.server
		g.Go(func() error {
			c.log.Info().Str("addr", srv.Addr).Msg("status API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	c.Close()
	c.log.Info().Msg("client stopped")
	return err
}

// MarkRead marks a notification read on the backend, then locally.
func (c *Client) MarkRead(ctx context.Context, id string) (bool, error) {
	return c.store.MarkReadRemote(ctx, c.api, id)
}

// SetTheme changes the session theme.
func (c *Client) SetTheme(theme string) {
	c.session.Update(func(cur models.Session) models.Session {
		cur.Theme = theme
		return cur
	})
}

// Close releases every component. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	c.conn.Disconnect()
	c.dashboard.Close()
	c.alerts.Close()
	if err := c.store.Close(); err != nil {
		c.log.Debug().Err(err).Msg("error closing notification store")
	}
}

// API returns the REST client.
func (c *Client) API() api.Client { return c.api }

// Conn returns the connection manager.
func (c *Client) Conn() *realtime.Client { return c.conn }

// Store returns the notification store.
func (c *Client) Store() *notifications.Store { return c.store }

// Poller returns the notification poller.
func (c *Client) Poller() *notifications.Poller { return c.poller }

// Alerts returns the alert presenter.
func (c *Client) Alerts() *alerts.Presenter { return c.alerts }

// Dashboard returns the dashboard reconciler.
func (c *Client) Dashboard() *dashboard.Reconciler { return c.dashboard }

// Actions returns the insight and forecast gates.
func (c *Client) Actions() *actions.Actions { return c.actions }

// Session returns the session flags.
func (c *Client) Session() *observable.Value[models.Session] { return c.session }
