package stt

import (
	"context"
	"errors"
	"testing"
)

func TestScriptedRecognizerFailure(t *testing.T) {
	r := &ScriptedRecognizer{Events: []Event{{Transcript: "hi", IsFinal: true}}, FailWith: errors.New("socket reset")}
	stream, err := r.Open(context.Background(), StreamConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var got []Event
	for evt := range stream.Events() {
		got = append(got, evt)
	}
	if len(got) != 1 || got[0].Transcript != "hi" {
		t.Fatalf("unexpected events %+v", got)
	}
	if !errors.Is(stream.Err(), ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", stream.Err())
	}
}

func TestMockRecognizerEmitsInterimThenFinal(t *testing.T) {
	r := &MockRecognizer{PartialEvery: 10, FinalEvery: 30}
	stream, _ := r.Open(context.Background(), StreamConfig{})
	for i := 0; i < 3; i++ {
		if err := stream.Send(make([]byte, 10)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	_ = stream.Close()
	var finals, interims int
	var last Event
	for evt := range stream.Events() {
		if evt.IsFinal {
			finals++
			last = evt
		} else {
			interims++
		}
	}
	if interims != 3 || finals != 1 {
		t.Fatalf("expected 3 interim and 1 final, got %d/%d", interims, finals)
	}
	if last.Transcript != "word1 word2 word3" || len(last.Words) != 3 {
		t.Fatalf("unexpected final %+v", last)
	}
	if err := stream.Send([]byte{1}); err == nil {
		t.Fatal("send after close must fail")
	}
}
