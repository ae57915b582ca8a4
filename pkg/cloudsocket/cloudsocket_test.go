package cloudsocket

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/cloudmux/bridge/pkg/cloudlink"
	"github.com/cloudmux/bridge/pkg/codec"
)

// newTestSocket builds a CloudSocket wired to a Link that was never
// connected; tests drive it entirely through cs.framing.HandlePacket and
// assertions on the in-memory accept/recv queues, never touching the
// network.
func newTestSocket(opts ...Option) *CloudSocket {
	link := cloudlink.New(1, cloudlink.WithTurboWarp("test-agent", "tester"))
	return New(link, nil, opts...).Listen()
}

func connectProbe(clientID string) string {
	return "1" + codec.Encode("_connect")[1:] + "." + clientID
}

func TestAcceptReturnsPlainClientInArrivalOrder(t *testing.T) {
	cs := newTestSocket()

	cs.framing.HandlePacket(connectProbe("11111"))
	cs.framing.HandlePacket(connectProbe("22222"))

	ctx := context.Background()
	first, err := cs.Accept(ctx, time.Second)
	if err != nil || first.ID != "11111" {
		t.Fatalf("first accept = (%v, %v), want (11111, nil)", first, err)
	}

	second, err := cs.Accept(ctx, time.Second)
	if err != nil || second.ID != "22222" {
		t.Fatalf("second accept = (%v, %v), want (22222, nil)", second, err)
	}
}

func TestAcceptTimesOutWithNoClients(t *testing.T) {
	cs := newTestSocket()

	_, err := cs.Accept(context.Background(), 10*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Accept() error = %v, want ErrTimeout", err)
	}
}

func TestAcceptRespectsContextCancellation(t *testing.T) {
	cs := newTestSocket()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cs.Accept(ctx, time.Second)
	if err == nil {
		t.Fatal("Accept() with a cancelled context should return an error")
	}
}

func TestRecvDeliversReassembledMessage(t *testing.T) {
	cs := newTestSocket()
	cs.framing.HandlePacket(connectProbe("33333"))

	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	cs.framing.HandlePacket("1" + codec.Encode("ping") + ".33333")

	msg, err := conn.Recv(context.Background(), time.Second)
	if err != nil || msg != "ping" {
		t.Fatalf("Recv() = (%q, %v), want (\"ping\", nil)", msg, err)
	}
}

func TestRecvTimesOutWithNoMessages(t *testing.T) {
	cs := newTestSocket()
	cs.framing.HandlePacket(connectProbe("44444"))

	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	_, err = conn.Recv(context.Background(), 10*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Recv() error = %v, want ErrTimeout", err)
	}
}

func TestStopUnblocksAcceptAndRecv(t *testing.T) {
	cs := newTestSocket()
	cs.framing.HandlePacket(connectProbe("55555"))
	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	acceptErr := make(chan error, 1)
	recvErr := make(chan error, 1)
	go func() {
		_, err := cs.Accept(context.Background(), 2*time.Second)
		acceptErr <- err
	}()
	go func() {
		_, err := conn.Recv(context.Background(), 2*time.Second)
		recvErr <- err
	}()

	time.Sleep(20 * time.Millisecond) // let both goroutines reach cond.Wait
	cs.Stop(false)

	if err := <-acceptErr; err != ErrStopped {
		t.Errorf("Accept() after Stop = %v, want ErrStopped", err)
	}
	if err := <-recvErr; err != ErrStopped {
		t.Errorf("Recv() after Stop = %v, want ErrStopped", err)
	}
}

func TestPlainSendFailsWithoutAConnectedLink(t *testing.T) {
	cs := newTestSocket()
	cs.framing.HandlePacket(connectProbe("66666"))
	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := conn.Send("hello"); err == nil {
		t.Fatal("Send() on an unconnected link should fail")
	}
}

func TestChunkStringSplitsAtBoundaryKeepingLastChunkShort(t *testing.T) {
	chunks := chunkString("0123456789", 4)
	want := []string{"0123", "4567", "89"}
	if len(chunks) != len(want) {
		t.Fatalf("chunkString produced %d chunks, want %d: %v", len(chunks), len(want), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestChunkStringReturnsWholeStringWhenUnderSize(t *testing.T) {
	chunks := chunkString("short", 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("chunkString(short, 100) = %v, want [\"short\"]", chunks)
	}
}

// fakeAgreement recovers a key built to bind to whatever salt it's given,
// so secure-handshake tests don't depend on a real key exchange.
type fakeAgreement struct{}

func (fakeAgreement) AgreeSessionKey(_ string, salt int64) (*big.Int, error) {
	key, _ := new(big.Int).SetString(strconv.FormatInt(salt, 10)+"999", 10)
	return key, nil
}

func currentSaltDigits() string {
	s := strconv.FormatInt(time.Now().Unix()*100, 10)
	for len(s) < 15 {
		s = "0" + s
	}
	return s
}

func TestSecureHandshakeProducesSecureClientConnection(t *testing.T) {
	link := cloudlink.New(1, cloudlink.WithTurboWarp("test-agent", "tester"))
	cs := New(link, fakeAgreement{}).Listen()

	cs.framing.HandlePacket("000000abcde.00000")

	body := "1" + codec.Encode("_safe_connect:")[1:] + "00000" + currentSaltDigits()
	cs.framing.HandlePacket(body + ".77777")

	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if conn.ID != "77777" || !conn.Secure() {
		t.Fatalf("accepted connection = %+v, want secure client 77777", conn)
	}
}

func TestSecureSendFailsWithoutAConnectedLinkButEncryptsFirst(t *testing.T) {
	link := cloudlink.New(1, cloudlink.WithTurboWarp("test-agent", "tester"))
	cs := New(link, fakeAgreement{}).Listen()

	cs.framing.HandlePacket("000000abcde.00000")
	body := "1" + codec.Encode("_safe_connect:")[1:] + "00000" + currentSaltDigits()
	cs.framing.HandlePacket(body + ".88888")

	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	err = conn.Send("a secure message")
	if err == nil {
		t.Fatal("Send() on an unconnected link should fail")
	}
	if errors.Is(err, ErrFragmentTooSmall) {
		t.Fatalf("Send() should have encrypted successfully before the link write failed, got %v", err)
	}
}

func TestSecureSendRejectsTooSmallPacketSize(t *testing.T) {
	link := cloudlink.New(1, cloudlink.WithTurboWarp("test-agent", "tester"))
	cs := New(link, fakeAgreement{}, WithPacketSize(10)).Listen()

	cs.framing.HandlePacket("000000abcde.00000")
	body := "1" + codec.Encode("_safe_connect:")[1:] + "00000" + currentSaltDigits()
	cs.framing.HandlePacket(body + ".99999")

	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := conn.Send("x"); !errors.Is(err, ErrFragmentTooSmall) {
		t.Fatalf("Send() error = %v, want ErrFragmentTooSmall", err)
	}
}
