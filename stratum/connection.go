package stratum

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config controls Connection behavior. Zero-value fields are replaced by
// DefaultConfig's values where a zero makes no sense (e.g. Timeout).
type Config struct {
	// Timeout bounds every socket operation and every guard acquisition.
	Timeout time.Duration
	// MaxRetries caps send_request attempts.
	MaxRetries int
	// RetryDelay is the base for the exponential backoff: RetryDelay << attempt.
	RetryDelay time.Duration
	// Keepalive disables Nagle's algorithm on the TCP socket when true.
	Keepalive bool
	// ProxyAddr, if set, routes the pool connection through a SOCKS5 proxy.
	ProxyAddr string
	// RequestRate caps outbound requests/sec; zero means unlimited.
	RequestRate rate.Limit
	// ClientVersion is sent on mining.subscribe.
	ClientVersion string
}

// DefaultConfig returns the configuration spec.md §6 names as defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       20 * time.Second,
		MaxRetries:    3,
		RetryDelay:    1 * time.Second,
		Keepalive:     true,
		ClientVersion: DefaultClientVersion,
	}
}

// timedMutex is a mutual-exclusion guard whose Lock can time out, so every
// guard acquisition in the connection engine can honor Config.Timeout the
// way spec.md §5 requires.
type timedMutex chan struct{}

func newTimedMutex() timedMutex {
	m := make(timedMutex, 1)
	m <- struct{}{}
	return m
}

func (m timedMutex) lock(timeout time.Duration) error {
	select {
	case <-m:
		return nil
	case <-time.After(timeout):
		return newErr(KindProtocol, "guard acquisition timed out")
	}
}

func (m timedMutex) unlock() {
	m <- struct{}{}
}

// Connection owns the socket halves of one TCP session to a pool and
// implements the RPC correlator described in spec.md §4.2: it hands out
// monotonically increasing request IDs, serializes outbound frames, and
// routes inbound frames to whichever caller is waiting on the matching id,
// buffering everything else for read_notification.
type Connection struct {
	host   string
	port   int
	dialer Dialer
	config Config
	log    *logrus.Entry

	writeMu timedMutex
	conn    net.Conn

	readMu timedMutex
	reader lineReader

	notifMu    sync.Mutex
	notifQueue []json.RawMessage

	idCounter uint64

	statsMu sync.Mutex
	stats   ConnectionStats

	limiter *rate.Limiter
}

// lineReader is the minimal surface Connection needs from a buffered
// reader; defined as an interface so tests can substitute a fake without
// a real socket.
type lineReader interface {
	ReadLine(deadline time.Time, conn net.Conn) (string, error)
}

// NewConnection dials host:port and returns a ready Connection.
func NewConnection(host string, port int, config Config, log *logrus.Entry) (*Connection, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	if config.ClientVersion == "" {
		config.ClientVersion = DefaultClientVersion
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	dialer, err := newDialer(config.ProxyAddr)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		host:    host,
		port:    port,
		dialer:  dialer,
		config:  config,
		log:     log,
		writeMu: newTimedMutex(),
		readMu:  newTimedMutex(),
	}
	if config.RequestRate > 0 {
		c.limiter = rate.NewLimiter(config.RequestRate, 1)
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *Connection) dial() error {
	conn, err := c.dialer.DialTimeout("tcp", c.addr(), c.config.Timeout)
	if err != nil {
		return wrapErr(KindConnection, "failed to connect to "+c.addr(), err)
	}
	if c.config.Keepalive {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
	}
	c.conn = conn
	c.reader = newBufLineReader(conn)
	c.stats = ConnectionStats{
		ConnectedSince: time.Now(),
		SessionID:      uuid.NewString(),
	}
	atomic.StoreUint64(&c.idCounter, 0)
	c.log.WithField("addr", c.addr()).Info("connected to pool")
	return nil
}

// Stats returns a snapshot of the connection's counters.
func (c *Connection) Stats() ConnectionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Connection) markSent() {
	c.statsMu.Lock()
	c.stats.MessagesSent++
	c.stats.LastMessageAt = time.Now()
	c.statsMu.Unlock()
}

func (c *Connection) markReceived() {
	c.statsMu.Lock()
	c.stats.MessagesReceived++
	c.stats.LastMessageAt = time.Now()
	c.statsMu.Unlock()
}

func (c *Connection) markError() {
	c.statsMu.Lock()
	c.stats.Errors++
	c.statsMu.Unlock()
}

func (c *Connection) markRetry() {
	c.statsMu.Lock()
	c.stats.Retries++
	c.statsMu.Unlock()
}

// nextID returns the next request id; ids are strictly increasing and never
// reused within one connection's lifetime (reset only by Reconnect).
func (c *Connection) nextID() uint64 {
	return atomic.AddUint64(&c.idCounter, 1)
}

// SendRequest assigns the next request id, writes one framed line, and
// reads lines until one correlates by id, subject to timeout and bounded
// retry. It returns the raw `result` field of the matching response.
func (c *Connection) SendRequest(method string, params []interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		err := c.limiter.Wait(ctx)
		cancel()
		if err != nil {
			c.markError()
			return nil, wrapErr(KindProtocol, "rate limit wait failed", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		id := c.nextID()
		line, err := encodeLine(request{ID: id, Method: method, Params: params})
		if err != nil {
			return nil, err
		}

		result, retryable, err := c.sendAndAwait(id, line)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.markRetry()
		c.log.WithError(err).WithField("attempt", attempt+1).Warn("send_request attempt failed, retrying")
		if attempt+1 < c.config.MaxRetries {
			time.Sleep(c.config.RetryDelay << uint(attempt))
		}
	}

	c.markError()
	if lastErr == nil {
		lastErr = newErr(KindProtocol, "max retries exceeded")
	}
	return nil, wrapErr(KindProtocol, "max retries exceeded", lastErr)
}

// sendAndAwait performs one write+read attempt. The bool return reports
// whether a failure is retryable under spec.md §4.2's retry policy.
func (c *Connection) sendAndAwait(id uint64, line []byte) (json.RawMessage, bool, error) {
	if err := c.writeMu.lock(c.config.Timeout); err != nil {
		c.markError()
		return nil, true, err
	}
	writeErr := func() error {
		defer c.writeMu.unlock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
		_, err := c.conn.Write(line)
		return err
	}()
	if writeErr != nil {
		c.markError()
		return nil, true, wrapErr(KindIO, "write failed", writeErr)
	}
	c.markSent()

	if err := c.readMu.lock(c.config.Timeout); err != nil {
		c.markError()
		return nil, true, err
	}
	defer c.readMu.unlock()

	deadline := time.Now().Add(c.config.Timeout)
	for {
		if time.Now().After(deadline) {
			c.markError()
			return nil, true, newErr(KindProtocol, "read timeout awaiting response")
		}
		text, err := c.reader.ReadLine(deadline, c.conn)
		if err != nil {
			c.markError()
			if isTimeoutErr(err) {
				return nil, true, wrapErr(KindProtocol, "read timeout", err)
			}
			return nil, true, wrapErr(KindIO, "read failed", err)
		}
		if text == "" {
			c.markError()
			return nil, true, newErr(KindProtocol, "empty response from server")
		}

		var fr frame
		if err := json.Unmarshal([]byte(text), &fr); err != nil {
			c.markError()
			return nil, true, wrapErr(KindJSON, "invalid JSON response", err)
		}

		if fr.isResponse() && fr.ID != nil && *fr.ID == id {
			c.markReceived()
			if !fr.isNull(fr.Error) {
				return nil, false, wrapErr(KindProtocol, string(fr.Error), nil)
			}
			return fr.Result, false, nil
		}

		// Not our reply: buffer for the notification path and keep reading.
		c.markReceived()
		c.bufferNotification(json.RawMessage(text))
	}
}

func (c *Connection) bufferNotification(raw json.RawMessage) {
	c.notifMu.Lock()
	c.notifQueue = append(c.notifQueue, raw)
	c.notifMu.Unlock()
}

func (c *Connection) popBufferedNotification() (json.RawMessage, bool) {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	if len(c.notifQueue) == 0 {
		return nil, false
	}
	raw := c.notifQueue[0]
	c.notifQueue = c.notifQueue[1:]
	return raw, true
}

// Notification is a parsed, unsolicited server message.
type Notification struct {
	Method string
	Params json.RawMessage
	Raw    json.RawMessage
}

// ReadNotification reads one line and returns the parsed JSON value if it
// looks like a notification (or any non-response object). It returns
// (nil, nil) on an empty line, and signals failure on malformed JSON.
func (c *Connection) ReadNotification() (*Notification, error) {
	if raw, ok := c.popBufferedNotification(); ok {
		return parseNotification(raw)
	}

	if err := c.readMu.lock(c.config.Timeout); err != nil {
		return nil, err
	}
	defer c.readMu.unlock()

	for {
		deadline := time.Now().Add(c.config.Timeout)
		text, err := c.reader.ReadLine(deadline, c.conn)
		if err != nil {
			if isTimeoutErr(err) {
				// Loop on read timeout rather than fail, per spec.md §4.2's
				// allowance for this implementation choice.
				continue
			}
			c.markError()
			return nil, wrapErr(KindIO, "read failed in notifications", err)
		}
		if text == "" {
			return nil, nil
		}
		c.markReceived()
		return parseNotification(json.RawMessage(text))
	}
}

func parseNotification(raw json.RawMessage) (*Notification, error) {
	var fr frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, wrapErr(KindJSON, "invalid JSON notification", err)
	}
	return &Notification{Method: fr.Method, Params: fr.Params, Raw: raw}, nil
}

// Reconnect reopens the TCP connection to the original host/port, replaces
// the socket halves atomically, and resets stats and the id counter.
func (c *Connection) Reconnect() error {
	newConn, err := c.dialer.DialTimeout("tcp", c.addr(), c.config.Timeout)
	if err != nil {
		return wrapErr(KindConnection, "reconnect failed to "+c.addr(), err)
	}
	if c.config.Keepalive {
		if tc, ok := newConn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
	}

	if err := c.writeMu.lock(c.config.Timeout); err != nil {
		newConn.Close()
		return err
	}
	defer c.writeMu.unlock()
	if err := c.readMu.lock(c.config.Timeout); err != nil {
		newConn.Close()
		return err
	}
	defer c.readMu.unlock()

	old := c.conn
	c.conn = newConn
	c.reader = newBufLineReader(newConn)
	if old != nil {
		old.Close()
	}

	c.statsMu.Lock()
	c.stats = ConnectionStats{ConnectedSince: time.Now(), SessionID: uuid.NewString()}
	c.statsMu.Unlock()

	atomic.StoreUint64(&c.idCounter, 0)

	c.notifMu.Lock()
	c.notifQueue = nil
	c.notifMu.Unlock()

	c.log.WithField("addr", c.addr()).Info("reconnected to pool")
	return nil
}

// Close shuts down the write half of the connection and clears ConnectedSince.
func (c *Connection) Close() error {
	if err := c.writeMu.lock(c.config.Timeout); err != nil {
		return err
	}
	defer c.writeMu.unlock()

	var err error
	if tc, ok := c.conn.(*net.TCPConn); ok {
		err = tc.CloseWrite()
	} else if c.conn != nil {
		err = c.conn.Close()
	}

	c.statsMu.Lock()
	c.stats.ConnectedSince = time.Time{}
	c.statsMu.Unlock()

	if err != nil {
		return wrapErr(KindIO, "close failed", err)
	}
	return nil
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

