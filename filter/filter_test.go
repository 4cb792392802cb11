package filter

import (
	"net"
	"testing"
	"time"
)

func TestRandomFilterDeterministic(t *testing.T) {
	imp := Impairment{DropRate: 0.2, DuplicateRate: 0.1, ReorderRate: 0.3, ReorderWindow: 50 * time.Millisecond}
	a, err := NewRandomFilter(imp, 42)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewRandomFilter(imp, 42)

	for i := 0; i < 1000; i++ {
		va, vb := a.Judge(nil), b.Judge(nil)
		if va != vb {
			t.Fatalf("datagram %d: verdicts differ for the same seed: %+v vs %+v", i, va, vb)
		}
	}

	judged, dropped, duplicated, reordered := a.Stats()
	if judged != 1000 {
		t.Errorf("judged = %d, want 1000", judged)
	}
	if dropped < 100 || dropped > 300 {
		t.Errorf("dropped = %d, expected roughly 200", dropped)
	}
	if duplicated == 0 || reordered == 0 {
		t.Errorf("expected some duplicates and reorders, got %d and %d", duplicated, reordered)
	}
}

func TestImpairmentValidate(t *testing.T) {
	tests := []struct {
		imp     Impairment
		wantErr bool
	}{
		{Impairment{}, false},
		{Impairment{DropRate: 1}, false},
		{Impairment{DropRate: 1.5}, true},
		{Impairment{DuplicateRate: -0.1}, true},
		{Impairment{ReorderWindow: -time.Second}, true},
	}
	for i, tt := range tests {
		if err := tt.imp.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("case %d: Validate() = %v, wantErr %v", i, err, tt.wantErr)
		}
	}
}

type scripted []Verdict

func (s *scripted) Judge([]byte) Verdict {
	v := (*s)[0]
	*s = (*s)[1:]
	return v
}

func TestLinkOrdering(t *testing.T) {
	script := scripted{
		{Copies: 1, Delay: 30 * time.Millisecond}, // "a" held back
		{Copies: 1, Delay: 10 * time.Millisecond},
		{Copies: 0},
		{Copies: 2, Delay: 10 * time.Millisecond},
	}
	link := NewLink(&script)

	link.Send(0, []byte("a"))
	link.Send(0, []byte("b"))
	link.Send(0, []byte("c"))
	link.Send(0, []byte("d"))

	if got := link.Receive(5 * time.Millisecond); len(got) != 0 {
		t.Fatalf("nothing should arrive before 10ms, got %d", len(got))
	}

	got := link.Receive(10 * time.Millisecond)
	want := []string{"b", "d", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %d datagrams at 10ms, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("datagram %d = %q, want %q", i, got[i], want[i])
		}
	}

	if link.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", link.Pending())
	}
	got = link.Receive(time.Second)
	if len(got) != 1 || string(got[0]) != "a" {
		t.Errorf("late datagram = %q", got)
	}
	if link.Sent != 4 || link.Delivered != 4 {
		t.Errorf("Sent/Delivered = %d/%d, want 4/4", link.Sent, link.Delivered)
	}
}

func TestLinkCopiesInput(t *testing.T) {
	link := NewLink(nil)
	buf := []byte("hello")
	link.Send(0, buf)
	buf[0] = 'j'
	got := link.Receive(0)
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Errorf("link must copy datagrams, got %q", got)
	}
}

func TestLossyConnDrops(t *testing.T) {
	recv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer recv.Close()

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	script := scripted{{Copies: 0}, {Copies: 1}}
	send := NewLossyConn(raw, &script)
	defer send.Close()

	if n, err := send.WriteTo([]byte("lost"), recv.LocalAddr()); err != nil || n != 4 {
		t.Fatalf("dropped write should look successful, got %d, %v", n, err)
	}
	if _, err := send.WriteTo([]byte("kept"), recv.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	recv.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, _, err := recv.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "kept" {
		t.Errorf("received %q, want kept", buf[:n])
	}
}
