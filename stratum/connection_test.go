package stratum

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"
)

// pipeConnection builds a Connection wired to one end of an in-memory
// net.Pipe, with the other end handed back to the test so it can act as a
// fake pool without a real socket.
func pipeConnection(t *testing.T, config Config) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Millisecond
	}
	c := &Connection{
		conn:    client,
		reader:  newBufLineReader(client),
		config:  config,
		log:     discardLog(),
		writeMu: newTimedMutex(),
		readMu:  newTimedMutex(),
	}
	c.stats = ConnectionStats{ConnectedSince: time.Now(), SessionID: "test"}
	return c, server
}

func TestSendRequestCorrelatesById(t *testing.T) {
	c, server := pipeConnection(t, Config{})
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(buf[:n-1], &req); err != nil {
			return
		}
		server.Write([]byte(`{"id":` + strconv.FormatUint(req.ID, 10) + `,"result":true,"error":null}` + "\n"))
	}()

	result, err := c.SendRequest(methodAuthorize, []interface{}{"user", "pass"})
	if err != nil {
		t.Fatalf("SendRequest returned error: %v", err)
	}
	if string(result) != "true" {
		t.Errorf("SendRequest result = %s, want true", result)
	}
}

func TestSendRequestBuffersUnrelatedNotification(t *testing.T) {
	c, server := pipeConnection(t, Config{})
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		var req request
		json.Unmarshal(buf[:n-1], &req)

		server.Write([]byte(`{"id":null,"method":"mining.set_difficulty","params":[2]}` + "\n"))
		server.Write([]byte(`{"id":` + strconv.FormatUint(req.ID, 10) + `,"result":true,"error":null}` + "\n"))
	}()

	if _, err := c.SendRequest(methodAuthorize, []interface{}{"user", "pass"}); err != nil {
		t.Fatalf("SendRequest returned error: %v", err)
	}

	notif, err := c.ReadNotification()
	if err != nil {
		t.Fatalf("ReadNotification returned error: %v", err)
	}
	if notif == nil || notif.Method != methodSetDifficulty {
		t.Fatalf("expected buffered mining.set_difficulty notification, got %+v", notif)
	}
}

func TestReadNotificationEmptyLineReturnsNil(t *testing.T) {
	c, server := pipeConnection(t, Config{Timeout: 200 * time.Millisecond})
	defer server.Close()

	go server.Write([]byte("\n"))

	notif, err := c.ReadNotification()
	if err != nil {
		t.Fatalf("ReadNotification returned error on an empty line: %v", err)
	}
	if notif != nil {
		t.Errorf("ReadNotification = %+v, want nil for an empty line", notif)
	}
}

func TestSendRequestDoesNotRetryOnPoolError(t *testing.T) {
	c, server := pipeConnection(t, Config{MaxRetries: 3})
	defer server.Close()

	attempts := 0
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			attempts++
			var req request
			json.Unmarshal(buf[:n-1], &req)
			server.Write([]byte(`{"id":` + strconv.FormatUint(req.ID, 10) + `,"result":null,"error":[23,"invalid params",null]}` + "\n"))
		}
	}()

	_, err := c.SendRequest(methodSubmit, []interface{}{"u", "j", "e", "t", "n"})
	if err == nil {
		t.Fatalf("expected an error for a pool-level rejection")
	}
	time.Sleep(20 * time.Millisecond)
	if attempts != 1 {
		t.Errorf("a well-formed pool error must not be retried, got %d attempts", attempts)
	}
}

