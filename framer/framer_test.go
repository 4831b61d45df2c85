package framer

import (
	"bytes"
	"testing"

	"connectd/frame"
)

func TestFeedPartialThenComplete(t *testing.T) {
	f := frame.New(frame.TypeMessage, 7, 0, []byte("payload"))
	buf, err := frame.Encode(f, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	fr := New(0)

	// Feed the header and only part of the payload.
	fr.Feed(buf[:frame.HeaderSize+3])
	got, ok, err := fr.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no frame yet")
	}
	if got != nil {
		t.Fatal("expected nil frame")
	}

	fr.Feed(buf[frame.HeaderSize+3:])
	got, ok, err = fr.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a complete frame")
	}
	if !bytes.Equal(got.Payload(), []byte("payload")) {
		t.Errorf("payload mismatch: %v", got.Payload())
	}
}

func TestNextHandlesMultipleFramesInOneFeed(t *testing.T) {
	f1 := frame.New(frame.TypeMessage, 1, 0, []byte("one"))
	f2 := frame.New(frame.TypeMessage, 2, 0, []byte("two"))
	b1, _ := frame.Encode(f1, false)
	b2, _ := frame.Encode(f2, false)

	fr := New(0)
	fr.Feed(append(b1, b2...))

	got1, ok, err := fr.Next()
	if err != nil || !ok {
		t.Fatalf("first frame: ok=%v err=%v", ok, err)
	}
	if got1.Correlation() != 1 {
		t.Errorf("expected correlation 1, got %d", got1.Correlation())
	}

	got2, ok, err := fr.Next()
	if err != nil || !ok {
		t.Fatalf("second frame: ok=%v err=%v", ok, err)
	}
	if got2.Correlation() != 2 {
		t.Errorf("expected correlation 2, got %d", got2.Correlation())
	}

	if _, ok, _ := fr.Next(); ok {
		t.Fatal("expected no more frames")
	}
}

func TestNextRejectsOversizedFrame(t *testing.T) {
	f := frame.New(frame.TypeMessage, 1, 0, make([]byte, 100))
	buf, _ := frame.Encode(f, false)

	fr := New(50)
	fr.Feed(buf)
	if _, _, err := fr.Next(); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestNextRejectsBadMagic(t *testing.T) {
	fr := New(0)
	fr.Feed(bytes.Repeat([]byte{0xAA}, frame.HeaderSize))
	if _, _, err := fr.Next(); err == nil {
		t.Fatal("expected bad magic to be rejected")
	}
}
