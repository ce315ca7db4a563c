package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/congo-pay/walletsync/internal/account"
)

const (
	defaultHTTPTimeout      = 15 * time.Second
	defaultReconnectBase    = time.Second
	defaultReconnectMax     = time.Minute
	wsHandshakeTimeout      = 10 * time.Second
	maxProblemBodyBytes     = 64 << 10
	headerAuthorization     = "Authorization"
	headerContentType       = "Content-Type"
	mimeApplicationJSON     = "application/json"
	effectsOrderNewestFirst = "desc"
)

// HTTPConfig configures the REST/websocket gateway.
type HTTPConfig struct {
	BaseURL           string
	StreamURL         string
	SourceAccount     string
	AuthToken         string
	RequestsPerSecond float64
	Timeout           time.Duration
	EffectsLimit      int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
}

// HTTPGateway talks to a Horizon-shaped ledger API. Submissions are made on behalf of
// SourceAccount; signing happens server side.
type HTTPGateway struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewHTTPGateway validates cfg and builds a gateway.
func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ledger base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.StreamURL == "" {
		stream := *base
		switch base.Scheme {
		case "https":
			stream.Scheme = "wss"
		default:
			stream.Scheme = "ws"
		}
		cfg.StreamURL = stream.String()
	}
	cfg.StreamURL = strings.TrimRight(cfg.StreamURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.EffectsLimit <= 0 {
		cfg.EffectsLimit = defaultEffectsLimit
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = defaultReconnectMax
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &HTTPGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		dialer:  &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		logger:  logger,
	}, nil
}

type accountResponse struct {
	ID       string            `json:"id"`
	Sequence int64             `json:"sequence,string"`
	Balances []account.Balance `json:"balances"`
}

// FetchAccount loads the account's balances in ledger order.
func (g *HTTPGateway) FetchAccount(ctx context.Context, id string) (account.Account, error) {
	var res accountResponse
	if err := g.do(ctx, "fetch account", http.MethodGet, "/accounts/"+url.PathEscape(id), nil, &res); err != nil {
		return account.Account{}, err
	}
	if res.ID == "" {
		res.ID = id
	}
	return account.Account{ID: res.ID, Sequence: res.Sequence, Balances: res.Balances}, nil
}

type effectRecord struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Amount          string    `json:"amount"`
	StartingBalance string    `json:"starting_balance"`
	AssetType       string    `json:"asset_type"`
	AssetCode       string    `json:"asset_code"`
	AssetIssuer     string    `json:"asset_issuer"`
	Counterparty    string    `json:"counterparty"`
	Memo            string    `json:"memo"`
	CreatedAt       time.Time `json:"created_at"`
}

type effectsPage struct {
	Embedded struct {
		Records []effectRecord `json:"records"`
	} `json:"_embedded"`
}

// FetchEffects returns the newest balance-affecting effects for accountID in asset.
func (g *HTTPGateway) FetchEffects(ctx context.Context, accountID string, asset account.Asset) ([]account.Effect, error) {
	q := url.Values{}
	q.Set("order", effectsOrderNewestFirst)
	q.Set("limit", fmt.Sprintf("%d", g.cfg.EffectsLimit))
	path := "/accounts/" + url.PathEscape(accountID) + "/effects?" + q.Encode()

	var page effectsPage
	if err := g.do(ctx, "fetch effects", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	effects := make([]account.Effect, 0, len(page.Embedded.Records))
	for _, rec := range page.Embedded.Records {
		effect, ok := rec.toEffect()
		if !ok || !effect.Asset.Equal(asset) {
			continue
		}
		effects = append(effects, effect)
	}
	return effects, nil
}

func (r effectRecord) toEffect() (account.Effect, bool) {
	t := account.EffectType(r.Type)
	switch t {
	case account.EffectAccountCreated, account.EffectAccountCredited, account.EffectAccountDebited:
	default:
		return account.Effect{}, false
	}
	raw := r.Amount
	if t == account.EffectAccountCreated {
		raw = r.StartingBalance
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return account.Effect{}, false
	}
	asset := account.Asset{Type: account.AssetType(r.AssetType), Code: r.AssetCode, Issuer: r.AssetIssuer}
	if asset.Type == "" {
		asset = account.NativeAsset()
	}
	return account.Effect{
		ID:           r.ID,
		Type:         t,
		Direction:    account.DirectionOf(t),
		Amount:       amount,
		Asset:        asset,
		Counterparty: r.Counterparty,
		Memo:         r.Memo,
		CreatedAt:    r.CreatedAt,
	}, true
}

type paymentRequest struct {
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	AssetType   string          `json:"asset_type"`
	AssetCode   string          `json:"asset_code,omitempty"`
	AssetIssuer string          `json:"asset_issuer,omitempty"`
	Memo        string          `json:"memo,omitempty"`
}

type createAccountRequest struct {
	Destination     string          `json:"destination"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
}

type submitResponse struct {
	Hash   string `json:"hash"`
	Ledger int64  `json:"ledger"`
}

// SubmitPayment submits a payment operation from the configured source account.
func (g *HTTPGateway) SubmitPayment(ctx context.Context, destination string, amount decimal.Decimal, asset account.Asset, memo string) (Receipt, error) {
	assetType := asset.Type
	if asset.IsNative() {
		assetType = account.AssetTypeNative
	}
	body := paymentRequest{
		Destination: destination,
		Amount:      amount,
		AssetType:   string(assetType),
		AssetCode:   asset.Code,
		AssetIssuer: asset.Issuer,
		Memo:        memo,
	}
	var res submitResponse
	if err := g.do(ctx, "submit payment", http.MethodPost, g.sourcePath("payments"), body, &res); err != nil {
		return Receipt{}, err
	}
	return Receipt{Hash: res.Hash, Ledger: res.Ledger}, nil
}

// SubmitAccountCreation funds a new account from the configured source account.
func (g *HTTPGateway) SubmitAccountCreation(ctx context.Context, destination string, startingBalance decimal.Decimal) (Receipt, error) {
	body := createAccountRequest{Destination: destination, StartingBalance: startingBalance}
	var res submitResponse
	if err := g.do(ctx, "submit account creation", http.MethodPost, g.sourcePath("create_account"), body, &res); err != nil {
		return Receipt{}, err
	}
	return Receipt{Hash: res.Hash, Ledger: res.Ledger}, nil
}

func (g *HTTPGateway) sourcePath(op string) string {
	return "/accounts/" + url.PathEscape(g.cfg.SourceAccount) + "/" + op
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Extras struct {
		ResultCodes struct {
			Transaction string   `json:"transaction"`
			Operations  []string `json:"operations"`
		} `json:"result_codes"`
	} `json:"extras"`
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", mimeApplicationJSON)
	if body != nil {
		req.Header.Set(headerContentType, mimeApplicationJSON)
	}
	if g.cfg.AuthToken != "" {
		req.Header.Set(headerAuthorization, "Bearer "+g.cfg.AuthToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return &NetworkError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		var p problem
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxProblemBodyBytes)).Decode(&p)
		rej := &RejectionError{
			TransactionCode: p.Extras.ResultCodes.Transaction,
			OperationCodes:  p.Extras.ResultCodes.Operations,
		}
		if rej.TransactionCode == "" {
			rej.TransactionCode = CodeTxFailed
		}
		if g.logger != nil {
			g.logger.Warn("ledger rejected request",
				slog.String("op", op),
				slog.Int("status", resp.StatusCode),
				slog.String("title", p.Title),
				slog.String("detail", p.Detail),
			)
		}
		return rej
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

type paymentMessage struct {
	ID              string    `json:"id"`
	PagingToken     string    `json:"paging_token"`
	Type            string    `json:"type"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Amount          string    `json:"amount"`
	AssetType       string    `json:"asset_type"`
	AssetCode       string    `json:"asset_code"`
	AssetIssuer     string    `json:"asset_issuer"`
	Funder          string    `json:"funder"`
	Account         string    `json:"account"`
	StartingBalance string    `json:"starting_balance"`
	Memo            string    `json:"memo"`
	CreatedAt       time.Time `json:"created_at"`
}

func (m paymentMessage) toPayment() (Payment, bool) {
	p := Payment{ID: m.ID, PagingToken: m.PagingToken, Type: m.Type, Memo: m.Memo, CreatedAt: m.CreatedAt}
	raw := m.Amount
	switch m.Type {
	case OperationPayment:
		p.From, p.To = m.From, m.To
		p.Asset = account.Asset{Type: account.AssetType(m.AssetType), Code: m.AssetCode, Issuer: m.AssetIssuer}
		if p.Asset.Type == "" {
			p.Asset = account.NativeAsset()
		}
	case OperationCreateAcct:
		p.From, p.To = m.Funder, m.Account
		p.Asset = account.NativeAsset()
		raw = m.StartingBalance
	default:
		return Payment{}, false
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return Payment{}, false
	}
	p.Amount = amount
	return p, true
}

// SubscribePayments dials the payment stream for accountID. A failed dial, initial or later, is
// reported as a StreamError event and retried with backoff from the last paging token, so the
// returned stream only stops when ctx is done or Close is called.
func (g *HTTPGateway) SubscribePayments(ctx context.Context, accountID, cursor string) (PaymentStream, error) {
	if cursor == "" {
		cursor = CursorNow
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &wsStream{
		gateway:   g,
		accountID: accountID,
		cursor:    cursor,
		events:    make(chan StreamEvent, defaultStreamBacklog),
		ctx:       streamCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	conn, err := g.dial(streamCtx, accountID, cursor)
	if err != nil {
		s.dialErr = err
	} else {
		s.setConn(conn)
	}

	go s.run()
	return s, nil
}

func (g *HTTPGateway) dial(ctx context.Context, accountID, cursor string) (*websocket.Conn, error) {
	u := g.cfg.StreamURL + "/accounts/" + url.PathEscape(accountID) + "/payments?cursor=" + url.QueryEscape(cursor)
	header := http.Header{}
	if g.cfg.AuthToken != "" {
		header.Set(headerAuthorization, "Bearer "+g.cfg.AuthToken)
	}
	conn, _, err := g.dialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, &NetworkError{Op: "subscribe payments", Err: err}
	}
	return conn, nil
}

type wsStream struct {
	gateway   *HTTPGateway
	accountID string
	cursor    string
	events    chan StreamEvent
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	dialErr   error

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsStream) Events() <-chan StreamEvent { return s.events }

func (s *wsStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.setConn(nil)
		<-s.done
	})
	return nil
}

// setConn swaps the live connection, closing the previous one.
func (s *wsStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (s *wsStream) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *wsStream) emit(ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *wsStream) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.setConn(nil)

	if s.dialErr != nil {
		if !s.emit(StreamEvent{Kind: StreamError, Err: s.dialErr}) {
			return
		}
		if !s.reconnect() {
			return
		}
	}
	if !s.emit(StreamEvent{Kind: StreamOpened}) {
		return
	}
	for {
		err := s.read(s.current())
		if s.ctx.Err() != nil {
			return
		}
		if !s.emit(StreamEvent{Kind: StreamError, Err: &NetworkError{Op: "payment stream", Err: err}}) {
			return
		}
		if !s.reconnect() {
			return
		}
		if !s.emit(StreamEvent{Kind: StreamOpened}) {
			return
		}
	}
}

func (s *wsStream) read(conn *websocket.Conn) error {
	if conn == nil {
		return errors.New("no connection")
	}
	for {
		var msg paymentMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		payment, ok := msg.toPayment()
		if !ok {
			continue
		}
		if payment.PagingToken != "" {
			s.cursor = payment.PagingToken
		}
		if !s.emit(StreamEvent{Kind: StreamPayment, Payment: payment}) {
			return s.ctx.Err()
		}
	}
}

func (s *wsStream) reconnect() bool {
	delay := s.gateway.cfg.ReconnectBase
	for attempt := 1; ; attempt++ {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := s.gateway.dial(s.ctx, s.accountID, s.cursor)
		if err == nil {
			s.setConn(conn)
			return true
		}
		if s.ctx.Err() != nil {
			return false
		}
		if s.gateway.logger != nil {
			s.gateway.logger.Warn("payment stream reconnect failed",
				slog.String("account_id", s.accountID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		delay *= 2
		if delay > s.gateway.cfg.ReconnectMax {
			delay = s.gateway.cfg.ReconnectMax
		}
	}
}
