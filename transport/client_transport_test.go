package transport

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"svcmgr/codec"
	"svcmgr/message"
	"svcmgr/protocol"
)

// echoManager answers every LookupRequest with an idle reply naming the requester, and
// every DiscardRequest with Discarded. Anything else is pushed back unsolicited.
func echoManager(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				var seq uint32
				for {
					_, msg, err := protocol.ReadMessage(r)
					if err != nil {
						return
					}
					var reply message.Message
					switch m := msg.(type) {
					case *message.LookupRequest:
						requester := m.Requester
						reply = &message.LookupReply{
							Correlation: m.Correlation,
							Service:     message.ServiceInfo{Name: m.Service},
							State:       message.StateIdle,
							Process:     &requester,
						}
					case *message.DiscardRequest:
						reply = &message.DiscardReply{Correlation: m.Correlation}
					case nil:
						continue
					default:
						reply = msg
					}
					seq++
					if err := protocol.WriteMessage(conn, codec.CodecTypeJSON, seq, reply); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().String()
}

func dial(t *testing.T, addr string, unsolicited func(message.Message)) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	ct := NewClientTransport(conn, codec.CodecTypeJSON, unsolicited)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func TestClientTransportSerial(t *testing.T) {
	ct := dial(t, echoManager(t), nil)

	for _, service := range []string{"a", "b", "c"} {
		ch, err := ct.Request("corr-"+service, &message.LookupRequest{
			Correlation: "corr-" + service,
			Service:     service,
			Requester:   message.ProcessHandle{PID: 7, IPC: "ipc-7"},
		})
		if err != nil {
			t.Fatal(err)
		}
		res := <-ch
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		reply := res.Msg.(*message.LookupReply)
		if reply.Service.Name != service {
			t.Fatalf("expect %s, got %s", service, reply.Service.Name)
		}
	}
}

// Replies must reach the goroutine that asked, however they interleave on the connection.
func TestClientTransportConcurrent(t *testing.T) {
	ct := dial(t, echoManager(t), nil)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			correlation := "corr-" + strconv.Itoa(pid)
			ch, err := ct.Request(correlation, &message.LookupRequest{
				Correlation: correlation,
				Service:     "svc",
				Requester:   message.ProcessHandle{PID: pid, IPC: "ipc"},
			})
			if err != nil {
				errs <- err.Error()
				return
			}
			res := <-ch
			if res.Err != nil {
				errs <- res.Err.Error()
				return
			}
			if got := res.Msg.(*message.LookupReply).Process.PID; got != pid {
				errs <- "reply routed to the wrong caller"
			}
		}(i + 1)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}

func TestClientTransportUnsolicited(t *testing.T) {
	got := make(chan message.Message, 1)
	ct := dial(t, echoManager(t), func(msg message.Message) { got <- msg })

	req := &message.DiscoverRequest{Correlation: "d-1", Services: []string{"x"}}
	if err := ct.Send(req); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-got:
		if msg.(*message.DiscoverRequest).Correlation != "d-1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unsolicited message not delivered")
	}
}

func TestClientTransportFailsPendingOnClose(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ct := dial(t, listener.Addr().String(), nil)
	ch, err := ct.Request("never", &message.LookupRequest{Correlation: "never", Service: "svc"})
	if err != nil {
		t.Fatal(err)
	}

	server := <-accepted
	server.Close()

	select {
	case res := <-ch:
		if res.Err != ErrClosed {
			t.Fatalf("expect ErrClosed, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}
	<-ct.Done()
	if err := ct.Send(&message.CallACK{}); err != ErrClosed {
		t.Fatalf("expect ErrClosed after close, got %v", err)
	}
}
