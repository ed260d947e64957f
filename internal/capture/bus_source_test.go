package capture

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/orbit/internal/bus/bustest"
	"github.com/loqalabs/orbit/internal/protocol"
)

func TestBusSourceDeliversDeviceFrames(t *testing.T) {
	client := bustest.Start(t)
	src := NewBusSource(client, "abc", bustest.Logger())

	c, err := src.Open(context.Background(), "mic-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	publish := func(device string, seq int, pcm []byte, final bool) {
		frame := protocol.AudioFrame{RoomID: "abc", DeviceID: device, Sequence: seq, SampleRate: 48000, Channels: 1, PCM: pcm, Final: final}
		if err := client.PublishJSON(protocol.Subject(protocol.SubjectAudioFramePrefix, "abc", device), frame); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish("mic-2", 0, []byte{9, 9}, false)
	publish("mic-1", 0, []byte{1, 2}, false)
	publish("mic-1", 1, []byte{3, 4}, true)

	var got [][]byte
	timeout := time.After(2 * time.Second)
	for {
		select {
		case pcm, ok := <-c.Frames():
			if !ok {
				if len(got) != 2 || got[0][0] != 1 || got[1][0] != 3 {
					t.Fatalf("unexpected frames %v", got)
				}
				return
			}
			got = append(got, pcm)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
}
