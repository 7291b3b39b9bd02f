package websocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/precepto/recorder/domain"
)

func TestDevice_PermissionDenied(t *testing.T) {
	d := NewDevice(false)
	if _, err := d.Open(context.Background(), time.Second); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	if d.Feed([]byte("x")) {
		t.Error("Feed should fail without an open stream")
	}
}

func TestDevice_SingleStream(t *testing.T) {
	d := NewDevice(true)
	stream, err := d.Open(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := d.Open(context.Background(), time.Second); !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}

	stream.Close()
	if _, err := d.Open(context.Background(), time.Second); err != nil {
		t.Fatalf("Reopen after close failed: %v", err)
	}
}

func TestDevice_FeedAndClose(t *testing.T) {
	d := NewDevice(true)
	stream, _ := d.Open(context.Background(), time.Second)

	if !d.Feed([]byte("ab")) || !d.Feed([]byte("cd")) {
		t.Fatal("Feed should succeed on an open stream")
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	stream.Close()

	var got []string
	for frame := range stream.Frames() {
		got = append(got, string(frame))
	}
	if len(got) != 2 || got[0] != "ab" || got[1] != "cd" {
		t.Errorf("Unexpected frames %v", got)
	}
	if stream.Err() != nil {
		t.Errorf("Clean close should carry no error, got %v", stream.Err())
	}
	if d.Feed([]byte("ef")) {
		t.Error("Feed should fail after close")
	}
}

func TestDevice_Fail(t *testing.T) {
	d := NewDevice(true)
	stream, _ := d.Open(context.Background(), time.Second)

	boom := errors.New("client went away")
	d.Fail(boom)
	if _, ok := <-stream.Frames(); ok {
		t.Error("Frames should be closed after Fail")
	}
	if !errors.Is(stream.Err(), boom) {
		t.Errorf("Expected %v, got %v", boom, stream.Err())
	}
}

func TestDevice_FullBufferDrops(t *testing.T) {
	d := NewDevice(true)
	d.Open(context.Background(), time.Second)

	for range frameBuffer {
		if !d.Feed([]byte("x")) {
			t.Fatal("Feed should succeed until the buffer is full")
		}
	}
	if d.Feed([]byte("x")) {
		t.Error("Feed should drop once the buffer is full")
	}
}

func TestDevice_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDevice(true).Open(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
