package requesthandler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cloudmux/bridge/pkg/cloudlink"
	"github.com/cloudmux/bridge/pkg/cloudsocket"
	"github.com/cloudmux/bridge/pkg/codec"
)

// newTestConn builds an accepted (unconnected-link) ClientConnection to
// drive Handler.processMessage against, without touching the network.
func newTestConn(t *testing.T, id string) *cloudsocket.ClientConnection {
	t.Helper()
	link := cloudlink.New(1, cloudlink.WithTurboWarp("test-agent", "tester"))
	cs := cloudsocket.New(link, nil).Listen()

	probe := "1" + codec.Encode("_connect")[1:] + "." + id
	cs.HandleRawPacket(probe)

	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	return conn
}

func TestProcessMessageCallSyntaxDispatchesAndCoerces(t *testing.T) {
	h := New(nil)
	if err := h.Register("add", func(a, b int64) int64 { return a + b }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "11111")
	resp, ok := h.processMessage("add(2, 3)", conn)
	if !ok || resp != "5" {
		t.Fatalf("processMessage() = (%q, %v), want (\"5\", true)", resp, ok)
	}
}

func TestProcessMessageNormalSyntax(t *testing.T) {
	h := New(nil)
	if err := h.Register("echo", func(s string) string { return s }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "22222")
	resp, ok := h.processMessage("echo 'hi there'", conn)
	if !ok || resp != "hi there" {
		t.Fatalf("processMessage() = (%q, %v), want (\"hi there\", true)", resp, ok)
	}
}

func TestProcessMessageUnknownRequestReturnsSyntaxError(t *testing.T) {
	h := New(nil)
	conn := newTestConn(t, "33333")

	resp, ok := h.processMessage("bogus 1", conn)
	if !ok || resp != respSyntaxError {
		t.Fatalf("processMessage() = (%q, %v), want (%q, true)", resp, ok, respSyntaxError)
	}
}

func TestProcessMessageRejectsCallSyntaxWhenDisallowed(t *testing.T) {
	h := New(nil)
	if err := h.Register("secret", func() string { return "leaked" }, WithPythonSyntax(false)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "44444")
	resp, ok := h.processMessage("secret()", conn)
	if !ok || resp != respSyntaxError {
		t.Fatalf("processMessage() = (%q, %v), want (%q, true)", resp, ok, respSyntaxError)
	}
}

func TestProcessMessageErrorMessagePassesThroughText(t *testing.T) {
	h := New(nil)
	err := h.Register("fail", func() (string, error) {
		return "", NewErrorMessage("nope")
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "55555")
	resp, ok := h.processMessage("fail", conn)
	if !ok || resp != "nope" {
		t.Fatalf("processMessage() = (%q, %v), want (\"nope\", true)", resp, ok)
	}
}

func TestProcessMessageGenericErrorReturnsGenericFailure(t *testing.T) {
	h := New(nil)
	err := h.Register("explode", func() (string, error) {
		return "", errors.New("boom")
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "66666")
	resp, ok := h.processMessage("explode", conn)
	if !ok || resp != respHandlerFail {
		t.Fatalf("processMessage() = (%q, %v), want (%q, true)", resp, ok, respHandlerFail)
	}
}

func TestProcessMessagePanicRecoversAsGenericError(t *testing.T) {
	h := New(nil)
	err := h.Register("boom", func() string { panic("kaboom") })
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "77777")
	resp, ok := h.processMessage("boom", conn)
	if !ok || resp != respHandlerFail {
		t.Fatalf("processMessage() = (%q, %v), want (%q, true)", resp, ok, respHandlerFail)
	}
}

func TestProcessMessageDispatchOrderReturnsOnlyLastResponse(t *testing.T) {
	h := New(nil)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		if err := h.Register(name, func() string { return name }); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}

	conn := newTestConn(t, "88888")
	resp, ok := h.processMessage("a; b; c", conn)
	if !ok || resp != "c" {
		t.Fatalf("processMessage() = (%q, %v), want (\"c\", true)", resp, ok)
	}
}

func TestBuildArgsAppliesParamNamesForKeywordArguments(t *testing.T) {
	h := New(nil)
	err := h.Register("diff", func(a, b int64) int64 { return a - b }, WithParamNames("a", "b"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "99999")
	resp, ok := h.processMessage("diff(b=3, a=2)", conn)
	if !ok || resp != "-1" {
		t.Fatalf("processMessage() = (%q, %v), want (\"-1\", true)", resp, ok)
	}
}

func TestWithThreadDispatchesAsynchronously(t *testing.T) {
	h := New(nil)
	done := make(chan string, 1)
	err := h.Register("async", func() string {
		done <- "ran"
		return "ok"
	}, WithThread(true))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := newTestConn(t, "10101")
	resp, ok := h.processMessage("async", conn)
	if ok || resp != "" {
		t.Fatalf("processMessage() = (%q, %v), want (\"\", false) for a threaded handler", resp, ok)
	}

	select {
	case v := <-done:
		if v != "ran" {
			t.Fatalf("threaded handler result = %q, want \"ran\"", v)
		}
	case <-time.After(time.Second):
		t.Fatal("threaded handler never ran")
	}
}

func TestOnErrorHookSuppressesDefaultResponseAndCanRetry(t *testing.T) {
	h := New(nil)
	attempts := 0
	err := h.Register("flaky", func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("transient")
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var hookCalled bool
	h.OnError(func(err error, retry func()) {
		hookCalled = true
		if err == nil {
			t.Fatal("OnError hook received a nil error")
		}
		retry()
	})

	conn := newTestConn(t, "20202")
	resp, ok := h.processMessage("flaky", conn)
	if !ok || resp != "" {
		t.Fatalf("processMessage() = (%q, %v), want (\"\", true) when OnError is installed", resp, ok)
	}
	if !hookCalled {
		t.Fatal("OnError hook was never invoked")
	}
	if attempts != 2 {
		t.Fatalf("handler attempts = %d, want 2 after the hook called retry", attempts)
	}
}

func TestParsePythonCallRejectsUnterminatedString(t *testing.T) {
	_, _, err := parsePythonCall("f('unterminated)")
	if !errors.Is(err, ErrInvalidSyntax) {
		t.Fatalf("parsePythonCall() error = %v, want ErrInvalidSyntax", err)
	}
}

func TestParseNormalRequestRejectsBareWord(t *testing.T) {
	_, err := parseNormalRequest("cmd", "cmd notaliteral")
	if !errors.Is(err, ErrInvalidSyntax) {
		t.Fatalf("parseNormalRequest() error = %v, want ErrInvalidSyntax", err)
	}
}

func TestIsCallSyntaxDistinguishesFromNormalForm(t *testing.T) {
	cases := map[string]bool{
		"echo('hi')": true,
		"echo 'hi'":  false,
		"add(1, 2)":  true,
		"add 1 2":    false,
	}
	for raw, want := range cases {
		if got := isCallSyntax(raw); got != want {
			t.Errorf("isCallSyntax(%q) = %v, want %v", raw, got, want)
		}
	}
}

func ExampleHandler_processMessage() {
	h := New(nil)
	_ = h.Register("greet", func(name string) string { return fmt.Sprintf("hello, %s", name) })

	link := cloudlink.New(1, cloudlink.WithTurboWarp("test-agent", "tester"))
	cs := cloudsocket.New(link, nil).Listen()
	cs.HandleRawPacket("1" + codec.Encode("_connect")[1:] + ".12345")
	conn, err := cs.Accept(context.Background(), time.Second)
	if err != nil {
		fmt.Println("accept:", err)
		return
	}

	resp, _ := h.processMessage("greet 'world'", conn)
	fmt.Println(resp)
	// Output: hello, world
}
