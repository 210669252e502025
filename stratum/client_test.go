package stratum

import (
	"net"
	"testing"
	"time"

	"stratumline/internal/testpool"
)

func newTestClient(t *testing.T) (*Client, *testpool.Pool) {
	t.Helper()
	pool, err := testpool.New("127.0.0.1:0")
	if err != nil {
		t.Fatalf("testpool.New: %v", err)
	}
	go pool.Serve()
	t.Cleanup(func() { pool.Close() })

	addr := pool.Addr().(*net.TCPAddr)
	conn, err := NewConnection(addr.IP.String(), addr.Port, Config{Timeout: 2 * time.Second}, discardLog())
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	return NewClient(conn, NullMiner{}, discardLog()), pool
}

func TestClientSubscribeAndAuthorize(t *testing.T) {
	client, pool := newTestClient(t)
	pool.SetDifficulty(4)

	sub, err := client.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Extranonce1 == "" || sub.Extranonce2Size == 0 {
		t.Errorf("Subscribe returned incomplete response: %+v", sub)
	}
	if client.State() != StateSubscribed {
		t.Errorf("state = %v, want SUBSCRIBED", client.State())
	}

	auth, err := client.Authorize("miner.worker1", "x")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !auth.Authorized {
		t.Fatalf("expected authorization to succeed")
	}
	if client.State() != StateAuthorized {
		t.Errorf("state = %v, want AUTHORIZED", client.State())
	}

	// The pool's set_difficulty arrived while the authorize reply was being
	// awaited and was buffered; hand it to the coordinator first.
	if err := client.HandleNotification(); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	target, err := client.GetTarget()
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if target.Difficulty != 4 {
		t.Errorf("target difficulty = %v, want 4", target.Difficulty)
	}
}

func TestClientSubscribeFailsOnPoolError(t *testing.T) {
	client, pool := newTestClient(t)
	pool.SetSubscribeError(true)

	if _, err := client.Subscribe(); err == nil {
		t.Fatalf("expected Subscribe to fail on a pool-level error")
	}
	if client.State() == StateSubscribed {
		t.Errorf("state = %v, subscription must not be recorded on failure", client.State())
	}
}

func TestClientAuthorizeRefused(t *testing.T) {
	client, pool := newTestClient(t)
	pool.SetAuthorizeResult(false)

	if _, err := client.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	auth, err := client.Authorize("miner.worker1", "x")
	if err != nil {
		t.Fatalf("Authorize should not return a transport error on refusal: %v", err)
	}
	if auth.Authorized {
		t.Fatalf("expected authorization to be refused")
	}
}

func TestClientReconnectOnlyDelegatesToConnection(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := client.Authorize("miner.worker1", "x"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if err := client.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if client.State() != StateReconnecting {
		t.Errorf("state = %v, want RECONNECTING immediately after Reconnect", client.State())
	}

	// Re-subscribe/re-authorize is the caller's job, not Reconnect's.
	if _, err := client.Subscribe(); err != nil {
		t.Fatalf("Subscribe after reconnect: %v", err)
	}
	if _, err := client.Authorize("miner.worker1", "x"); err != nil {
		t.Fatalf("Authorize after reconnect: %v", err)
	}
	if client.State() != StateAuthorized {
		t.Errorf("state = %v, want AUTHORIZED after caller re-authorizes", client.State())
	}
}

func TestClientHandleNotificationDispatchesJob(t *testing.T) {
	client, pool := newTestClient(t)
	if _, err := client.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := client.Authorize("miner.worker1", "x"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	pool.PushJob(testpool.Job{
		JobID:        "job42",
		PrevHash:     "00000000000000000000000000000000000000000000000000000000000000aa",
		Coinbase1:    "01",
		Coinbase2:    "02",
		MerkleBranch: []string{},
		Version:      "00000001",
		NBits:        "1d00ffff",
		NTime:        "5d000000",
		CleanJobs:    true,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.HandleNotification(); err != nil {
			t.Fatalf("HandleNotification: %v", err)
		}
		if job := client.GetCurrentJob(); job != nil && job.JobID == "job42" {
			return
		}
	}
	t.Fatalf("job42 was never observed via GetCurrentJob")
}

func TestClientSubmitShareRoundTrip(t *testing.T) {
	client, pool := newTestClient(t)
	if _, err := client.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := client.Authorize("miner.worker1", "x"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	pool.PushJob(testpool.Job{
		JobID: "job1", PrevHash: "00000000000000000000000000000000000000000000000000000000000000aa",
		Coinbase1: "01", Coinbase2: "02", MerkleBranch: []string{},
		Version: "00000001", NBits: "1d00ffff", NTime: "5d000000", CleanJobs: true,
	})
	deadline := time.Now().Add(2 * time.Second)
	for client.GetCurrentJob() == nil && time.Now().Before(deadline) {
		if err := client.HandleNotification(); err != nil {
			t.Fatalf("HandleNotification: %v", err)
		}
	}

	accepted, err := client.SubmitShare(Share{JobID: "job1", Extranonce2: "00112233", NTime: "5d000000", Nonce: "00000001"})
	if err != nil {
		t.Fatalf("SubmitShare: %v", err)
	}
	if !accepted {
		t.Errorf("expected share to be accepted")
	}

	shares := pool.Shares()
	if len(shares) != 1 || shares[0].JobID != "job1" {
		t.Errorf("pool recorded unexpected shares: %+v", shares)
	}
}
