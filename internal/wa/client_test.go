package wa

import (
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
)

func qrClient() *Client {
	return &Client{logger: zap.NewNop(), tr: newTestTranslator()}
}

// forward runs forwardQR to completion and reports whether stop was called.
func forward(t *testing.T, c *Client, ch <-chan whatsmeow.QRChannelItem, timeout time.Duration) bool {
	t.Helper()
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.forwardQR(ch, timeout, func() { close(stopped) })
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwardQR did not return")
	}
	select {
	case <-stopped:
		return true
	default:
		return false
	}
}

func TestForwardQRTimesOut(t *testing.T) {
	c := qrClient()
	ch := make(chan whatsmeow.QRChannelItem, 1)
	ch <- whatsmeow.QRChannelItem{Event: "code", Code: "2@abc", Timeout: time.Minute}

	if !forward(t, c, ch, 30*time.Millisecond) {
		t.Error("QR channel should be released")
	}
	if qr, ok := next(t, c.tr).(conn.QRCode); !ok || qr.Code != "2@abc" {
		t.Fatalf("first event = %#v, want the code", qr)
	}
	if _, ok := next(t, c.tr).(conn.QRTimeout); !ok {
		t.Fatal("want QRTimeout once the pairing window elapses")
	}
}

func TestForwardQROutcomes(t *testing.T) {
	tests := []struct {
		name string
		item whatsmeow.QRChannelItem
		want conn.Event
	}{
		{"timeout", whatsmeow.QRChannelItem{Event: "timeout"}, conn.QRTimeout{}},
		{"error", whatsmeow.QRChannelItem{Event: "error", Error: errors.New("boom")}, conn.Disconnected{}},
		{"success", whatsmeow.QRChannelItem{Event: "success"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qrClient()
			ch := make(chan whatsmeow.QRChannelItem, 1)
			ch <- tt.item
			forward(t, c, ch, 0)

			c.tr.b.flush()
			select {
			case ev := <-c.tr.b.out:
				switch tt.want.(type) {
				case conn.QRTimeout:
					if _, ok := ev.(conn.QRTimeout); !ok {
						t.Errorf("event = %#v, want QRTimeout", ev)
					}
				case conn.Disconnected:
					d, ok := ev.(conn.Disconnected)
					if !ok || d.Reason != conn.CloseGeneric || d.Err == nil {
						t.Errorf("event = %#v, want generic close", ev)
					}
				default:
					t.Errorf("unexpected event %#v", ev)
				}
			default:
				if tt.want != nil {
					t.Errorf("no event, want %T", tt.want)
				}
			}
		})
	}
}
