package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMessage_WireFormat(t *testing.T) {
	msg, err := NewMessage("id-1", ServiceProxy, TypeMount, MountPayload{Path: "/a", Mode: MountSingletonMaster})
	if err != nil {
		t.Fatal(err)
	}
	msg.Ask = true
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	for _, want := range []string{`"i":"id-1"`, `"s":"ProxyService"`, `"t":"mount"`, `"a":true`, `"path":"/a"`, `"mode":"singletonMaster"`} {
		if !strings.Contains(got, want) {
			t.Errorf("encoded message %s missing %s", got, want)
		}
	}
}

func TestCheckResponse(t *testing.T) {
	ok := &Message{ID: "1", Type: TypeMountResponse, Payload: json.RawMessage(`{"rc":0,"mountId":"m-1"}`)}
	res, err := CheckResponse(ok, TypeMountResponse)
	if err != nil {
		t.Fatalf("CheckResponse() error: %v", err)
	}
	if res.MountID != "m-1" {
		t.Errorf("MountID = %q", res.MountID)
	}

	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil", nil},
		{"wrong type", &Message{Type: TypeUnmountResponse, Payload: json.RawMessage(`{"rc":0}`)}},
		{"missing rc", &Message{Type: TypeMountResponse, Payload: json.RawMessage(`{}`)}},
		{"non zero rc", &Message{Type: TypeMountResponse, Payload: json.RawMessage(`{"rc":3}`)}},
		{"empty payload", &Message{Type: TypeMountResponse}},
		{"garbage", &Message{Type: TypeMountResponse, Payload: json.RawMessage(`[1,2]`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CheckResponse(tt.msg, TypeMountResponse); !errors.Is(err, ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestProxyMountID(t *testing.T) {
	id, ok := ProxyMountID(ProxyServiceName("abc"))
	if !ok || id != "abc" {
		t.Errorf("ProxyMountID() = %q, %v", id, ok)
	}
	if _, ok := ProxyMountID(ServiceCluster); ok {
		t.Error("ClusterService is not a proxy address")
	}
}
