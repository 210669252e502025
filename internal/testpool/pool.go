// Package testpool is a minimal Stratum V1 pool server used only by the
// stratum package's integration tests. It is adapted from a full mining pool's wire handling, trimmed to
// the handful of behaviors a client test needs to control: when to
// subscribe-ack, when to push a job or difficulty, and what a submit
// should answer.
package testpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Share is one mining.submit call the pool received.
type Share struct {
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
}

// Job is the mining.notify payload the pool will push to subscribers.
type Job struct {
	JobID        string
	PrevHash     string
	Coinbase1    string
	Coinbase2    string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// Pool is a single-listener Stratum server. Every field it serves to
// clients is set explicitly by the test driving it, rather than generated,
// so tests get deterministic job ids, difficulty, and accept/reject
// decisions.
type Pool struct {
	listener net.Listener

	mu             sync.Mutex
	clients        map[net.Conn]*client
	difficulty     float64
	job            *Job
	authorizeOK    bool
	submitOK       bool
	subscribeError bool
	shares         []Share
	extranonce1    string
	extranonce2sz  int
}

type client struct {
	conn       net.Conn
	subscribed bool
}

// New starts listening on addr ("127.0.0.1:0" picks a free port) and
// returns a Pool ready to Serve.
func New(addr string) (*Pool, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("testpool: listen failed: %w", err)
	}
	return &Pool{
		listener:      listener,
		clients:       make(map[net.Conn]*client),
		difficulty:    1.0,
		authorizeOK:   true,
		submitOK:      true,
		extranonce1:   "08000002",
		extranonce2sz: 4,
	}, nil
}

// Addr returns the listener's address, e.g. for dialing host/port.
func (p *Pool) Addr() net.Addr { return p.listener.Addr() }

// SetDifficulty changes the difficulty value handed out on subscribe and
// broadcast on PushDifficulty.
func (p *Pool) SetDifficulty(d float64) {
	p.mu.Lock()
	p.difficulty = d
	p.mu.Unlock()
}

// SetSubscribeError makes every future mining.subscribe fail with a
// pool-level JSON-RPC error instead of a normal result.
func (p *Pool) SetSubscribeError(fail bool) {
	p.mu.Lock()
	p.subscribeError = fail
	p.mu.Unlock()
}

// SetAuthorizeResult controls whether future mining.authorize calls
// succeed.
func (p *Pool) SetAuthorizeResult(ok bool) {
	p.mu.Lock()
	p.authorizeOK = ok
	p.mu.Unlock()
}

// SetSubmitResult controls whether future mining.submit calls are
// accepted.
func (p *Pool) SetSubmitResult(ok bool) {
	p.mu.Lock()
	p.submitOK = ok
	p.mu.Unlock()
}

// Shares returns every share submitted so far.
func (p *Pool) Shares() []Share {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Share, len(p.shares))
	copy(out, p.shares)
	return out
}

// PushJob broadcasts a mining.notify to every subscribed client and makes
// it the job new subscribers receive.
func (p *Pool) PushJob(job Job) {
	p.mu.Lock()
	p.job = &job
	clients := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		if c.subscribed {
			clients = append(clients, c)
		}
	}
	p.mu.Unlock()

	for _, c := range clients {
		_ = p.sendNotify(c.conn, job)
	}
}

// PushDifficulty broadcasts mining.set_difficulty to every subscribed
// client.
func (p *Pool) PushDifficulty(d float64) {
	p.SetDifficulty(d)
	p.mu.Lock()
	clients := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		if c.subscribed {
			clients = append(clients, c)
		}
	}
	p.mu.Unlock()

	for _, c := range clients {
		_ = p.sendDifficulty(c.conn, d)
	}
}

// Serve accepts connections until Close is called.
func (p *Pool) Serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		c := &client{conn: conn}
		p.mu.Lock()
		p.clients[conn] = c
		p.mu.Unlock()
		go p.handle(c)
	}
}

// Close stops accepting connections and drops every client.
func (p *Pool) Close() error {
	err := p.listener.Close()
	p.mu.Lock()
	for conn := range p.clients {
		conn.Close()
	}
	p.clients = make(map[net.Conn]*client)
	p.mu.Unlock()
	return err
}

func (p *Pool) handle(c *client) {
	defer func() {
		p.mu.Lock()
		delete(p.clients, c.conn)
		p.mu.Unlock()
		c.conn.Close()
	}()

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		if err := p.handleLine(c, scanner.Text()); err != nil {
			return
		}
	}
}

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params []interface{}   `json:"params"`
}

func (p *Pool) handleLine(c *client, line string) error {
	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return err
	}

	switch req.Method {
	case "mining.subscribe":
		return p.handleSubscribe(c, req.ID)
	case "mining.authorize":
		return p.handleAuthorize(c, req.ID)
	case "mining.submit":
		return p.handleSubmit(c, req.ID, req.Params)
	default:
		return p.sendResult(c.conn, req.ID, nil, []interface{}{20, "unknown method", nil})
	}
}

func (p *Pool) handleSubscribe(c *client, id uint64) error {
	p.mu.Lock()
	if p.subscribeError {
		p.mu.Unlock()
		return p.sendResult(c.conn, id, nil, []interface{}{24, "Invalid request", nil})
	}
	c.subscribed = true
	result := []interface{}{
		[][]string{{"mining.notify", "stratumline-test-session"}},
		p.extranonce1,
		p.extranonce2sz,
	}
	difficulty := p.difficulty
	job := p.job
	p.mu.Unlock()

	if err := p.sendResult(c.conn, id, result, nil); err != nil {
		return err
	}
	if err := p.sendDifficulty(c.conn, difficulty); err != nil {
		return err
	}
	if job != nil {
		return p.sendNotify(c.conn, *job)
	}
	return nil
}

func (p *Pool) handleAuthorize(c *client, id uint64) error {
	p.mu.Lock()
	ok := p.authorizeOK
	p.mu.Unlock()
	return p.sendResult(c.conn, id, ok, nil)
}

func (p *Pool) handleSubmit(c *client, id uint64, params []interface{}) error {
	if len(params) < 4 {
		return p.sendResult(c.conn, id, nil, []interface{}{23, "invalid submit parameters", nil})
	}
	jobID, _ := params[0].(string)
	extranonce2, _ := params[1].(string)
	ntime, _ := params[2].(string)
	nonce, _ := params[3].(string)

	p.mu.Lock()
	p.shares = append(p.shares, Share{JobID: jobID, Extranonce2: extranonce2, NTime: ntime, Nonce: nonce})
	accepted := p.submitOK
	p.mu.Unlock()

	return p.sendResult(c.conn, id, accepted, nil)
}

func (p *Pool) sendResult(conn net.Conn, id uint64, result interface{}, errVal interface{}) error {
	payload := map[string]interface{}{"id": id, "result": result, "error": errVal}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func (p *Pool) sendDifficulty(conn net.Conn, difficulty float64) error {
	payload := map[string]interface{}{
		"id":     nil,
		"method": "mining.set_difficulty",
		"params": []interface{}{difficulty},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func (p *Pool) sendNotify(conn net.Conn, job Job) error {
	payload := map[string]interface{}{
		"id":     nil,
		"method": "mining.notify",
		"params": []interface{}{
			job.JobID, job.PrevHash, job.Coinbase1, job.Coinbase2,
			job.MerkleBranch, job.Version, job.NBits, job.NTime, job.CleanJobs,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}
