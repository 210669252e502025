package stratum

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Client is the facade a caller drives: it owns one Connection, the
// job/difficulty coordinator, and the observable NEW -> SUBSCRIBED ->
// AUTHORIZED -> MINING <-> RECONNECTING -> {AUTHORIZED|CLOSED} state
// machine described in types.go.
type Client struct {
	conn *Connection
	jobs *JobCoordinator
	log  *logrus.Entry

	stateMu sync.Mutex
	state   ClientState

	sub *SubscribeResponse
}

// NewClient wires a Connection and a Miner adapter into a ready Client.
func NewClient(conn *Connection, miner Miner, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if miner == nil {
		miner = NullMiner{}
	}
	return &Client{
		conn:  conn,
		jobs:  NewJobCoordinator(miner, log),
		log:   log,
		state: StateNew,
	}
}

func (cl *Client) setState(s ClientState) {
	cl.stateMu.Lock()
	cl.state = s
	cl.stateMu.Unlock()
}

// State returns the facade's current lifecycle state.
func (cl *Client) State() ClientState {
	cl.stateMu.Lock()
	defer cl.stateMu.Unlock()
	return cl.state
}

// Stats returns the underlying connection's counters.
func (cl *Client) Stats() ConnectionStats {
	return cl.conn.Stats()
}

// Results is the channel of nonces the miner adapter has found.
func (cl *Client) Results() <-chan Result {
	return cl.jobs.Results()
}

// Subscribe performs mining.subscribe and records the pool's extranonce1
// and extranonce2_size.
func (cl *Client) Subscribe() (*SubscribeResponse, error) {
	result, err := cl.conn.SendRequest(methodSubscribe, []interface{}{cl.conn.config.ClientVersion})
	if err != nil {
		return nil, wrapErr(KindSubscriptionFailed, "mining.subscribe failed", err)
	}
	resp, err := parseSubscribeResult(result)
	if err != nil {
		return nil, err
	}
	cl.sub = resp
	cl.jobs.SetExtranonce2Size(resp.Extranonce2Size)
	cl.setState(StateSubscribed)
	return resp, nil
}

// Authorize performs mining.authorize. A pool-level refusal is reported
// through AuthResponse.Authorized, not as an error.
func (cl *Client) Authorize(user, pass string) (*AuthResponse, error) {
	result, err := cl.conn.SendRequest(methodAuthorize, []interface{}{user, pass})
	if err != nil {
		return nil, wrapErr(KindAuthenticationFailed, "mining.authorize failed", err)
	}

	var authorized bool
	if err := json.Unmarshal(result, &authorized); err != nil {
		return nil, wrapErr(KindAuthenticationFailed, "malformed mining.authorize result", err)
	}

	resp := &AuthResponse{Authorized: authorized}
	if !authorized {
		resp.Message = "pool rejected credentials"
		return resp, nil
	}

	cl.setState(StateAuthorized)
	return resp, nil
}

// SubmitShare validates share locally, then performs mining.submit.
func (cl *Client) SubmitShare(share Share) (bool, error) {
	if err := cl.jobs.ValidateShare(share); err != nil {
		return false, err
	}

	result, err := cl.conn.SendRequest(methodSubmit, []interface{}{
		share.JobID, share.Extranonce2, share.NTime, share.Nonce,
	})
	if err != nil {
		return false, err
	}

	var accepted bool
	if err := json.Unmarshal(result, &accepted); err != nil {
		return false, wrapErr(KindProtocol, "malformed mining.submit result", err)
	}
	return accepted, nil
}

// GetCurrentJob returns the coordinator's currently enqueued job.
func (cl *Client) GetCurrentJob() *MiningJob {
	return cl.jobs.GetCurrentJob()
}

// GetTarget returns the coordinator's currently enqueued target.
func (cl *Client) GetTarget() (*MiningTarget, error) {
	return cl.jobs.GetTarget()
}

// GenerateExtranonce2 produces an extranonce2 sized for this subscription.
func (cl *Client) GenerateExtranonce2() (string, error) {
	size := 4
	if cl.sub != nil && cl.sub.Extranonce2Size > 0 {
		size = cl.sub.Extranonce2Size
	}
	return GenerateExtranonce2(size)
}

// HandleNotification reads and dispatches exactly one pool notification. An
// empty line from the server is reported as a KindConnection error, and a
// failed socket read as a KindIO error; either one ends Run.
func (cl *Client) HandleNotification() error {
	notif, err := cl.conn.ReadNotification()
	if err != nil {
		return err
	}
	if notif == nil {
		return newErr(KindConnection, "connection closed by server")
	}

	switch notif.Method {
	case methodNotify:
		if err := cl.jobs.HandleJobNotification(notif.Params); err != nil {
			cl.log.WithError(err).Warn("dropping malformed mining.notify")
			return err
		}
		cl.setState(StateMining)
	case methodSetDifficulty:
		if err := cl.jobs.HandleDifficultyNotification(notif.Params); err != nil {
			cl.log.WithError(err).Warn("dropping malformed mining.set_difficulty")
			return err
		}
	default:
		cl.log.WithField("method", notif.Method).Debug("ignoring unrecognized notification")
	}
	return nil
}

// Run calls HandleNotification in a loop until ctx is cancelled or a
// connection-level error occurs. ctx is checked between notifications; a
// HandleNotification call that is waiting for the next line is not
// interrupted by cancellation.
func (cl *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := cl.HandleNotification(); err != nil {
			if IsKind(err, KindConnection) || IsKind(err, KindIO) {
				return err
			}
			// Malformed single notifications are logged and skipped;
			// the stream itself is still healthy.
			continue
		}
	}
}

// Reconnect re-establishes the TCP session and moves the facade to
// RECONNECTING. It only delegates to the connection; re-subscribing and
// re-authorizing afterward are the caller's responsibility, the same as a
// fresh connection.
func (cl *Client) Reconnect() error {
	cl.setState(StateReconnecting)
	return cl.conn.Reconnect()
}

// Close shuts down the underlying connection.
func (cl *Client) Close() error {
	cl.setState(StateClosed)
	return cl.conn.Close()
}

func parseSubscribeResult(raw json.RawMessage) (*SubscribeResponse, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 3 {
		return nil, newErr(KindSubscriptionFailed, "malformed mining.subscribe result")
	}

	subID, err := extractSubscriptionID(arr[0])
	if err != nil {
		return nil, err
	}
	extranonce1, err := decodeString(arr[1])
	if err != nil {
		return nil, wrapErr(KindSubscriptionFailed, "invalid extranonce1", err)
	}
	var size int
	if err := json.Unmarshal(arr[2], &size); err != nil {
		return nil, wrapErr(KindSubscriptionFailed, "invalid extranonce2_size", err)
	}

	return &SubscribeResponse{
		SubscriptionID:  subID,
		Extranonce1:     extranonce1,
		Extranonce2Size: size,
	}, nil
}

func extractSubscriptionID(raw json.RawMessage) (string, error) {
	var pairs [][]json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err != nil || len(pairs) == 0 {
		return "", newErr(KindSubscriptionFailed, "missing subscription details")
	}
	first := pairs[0]
	if len(first) < 2 {
		return "", newErr(KindSubscriptionFailed, "malformed subscription entry")
	}
	id, err := decodeString(first[1])
	if err != nil {
		return "", wrapErr(KindSubscriptionFailed, "invalid subscription id", err)
	}
	return id, nil
}
