package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Services and message types understood by a core node.
const (
	ServiceProxy   = "ProxyService"
	ServiceCluster = "ClusterService"

	TypeMount            = "mount"
	TypeMountResponse    = "mountResponse"
	TypeUnmount          = "unmount"
	TypeUnmountResponse  = "unmountResponse"
	TypeRegister         = "register"
	TypeRegisterResponse = "registerResponse"
	TypeUnregister       = "unregister"
	TypeUnregisterResp   = "unregisterResponse"
	TypeRequest          = "request"
	TypeResponse         = "response"

	// ResultOK is the resultCode of a successful request.
	ResultOK = 0
)

// proxyServicePrefix addresses a mounted proxy: "ProxyService:/<mountId>".
const proxyServicePrefix = ServiceProxy + ":/"

// Message is the frame exchanged with a core node. Field names on the wire are
// abbreviated.
type Message struct {
	ID      string          `json:"i"`
	Service string          `json:"s,omitempty"`
	Type    string          `json:"t,omitempty"`
	Payload json.RawMessage `json:"m,omitempty"`
	Ask     bool            `json:"a,omitempty"`
	User    json.RawMessage `json:"u,omitempty"`
}

// NewMessage builds a message with payload marshalled from v. A nil v leaves
// the payload empty.
func NewMessage(id, service, typ string, v any) (*Message, error) {
	msg := &Message{ID: id, Service: service, Type: typ}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return ErrProtocol.WithDetailsf("%s/%s: empty payload", m.Service, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return ErrProtocol.WithDetailsf("%s/%s: bad payload", m.Service, m.Type).WithCause(err)
	}
	return nil
}

// ProxyMountID returns the mount id addressed by a proxy service name and
// whether service addresses a proxy at all.
func ProxyMountID(service string) (string, bool) {
	if !strings.HasPrefix(service, proxyServicePrefix) {
		return "", false
	}
	return strings.TrimPrefix(service, proxyServicePrefix), true
}

// ProxyServiceName is the inverse of ProxyMountID.
func ProxyServiceName(mountID string) string {
	return proxyServicePrefix + mountID
}

// MountPayload is the body of a mount request.
type MountPayload struct {
	Path   string         `json:"path"`
	Mode   MountMode      `json:"mode"`
	Option map[string]any `json:"option,omitempty"`
}

// UnmountPayload is the body of an unmount request.
type UnmountPayload struct {
	MountID string `json:"mountId"`
}

// ResultPayload is the body shared by every *Response message.
type ResultPayload struct {
	ResultCode *int   `json:"rc"`
	MountID    string `json:"mountId,omitempty"`
}

// ProxyInvocation is the body of an inbound proxy request push.
type ProxyInvocation struct {
	MountID string        `json:"mountId,omitempty"`
	Request *ProxyRequest `json:"req"`
}

// CheckResponse verifies that resp has the expected type and a successful
// result code, and returns its decoded result.
func CheckResponse(resp *Message, expectedType string) (*ResultPayload, error) {
	if resp == nil {
		return nil, ErrProtocol.WithDetailsf("%s: empty response", expectedType)
	}
	if resp.Type != expectedType {
		return nil, ErrProtocol.WithDetailsf("expected %s, got %q", expectedType, resp.Type)
	}
	var res ResultPayload
	if err := resp.DecodePayload(&res); err != nil {
		return nil, err
	}
	if res.ResultCode == nil || *res.ResultCode != ResultOK {
		code := "missing"
		if res.ResultCode != nil {
			code = strconv.Itoa(*res.ResultCode)
		}
		return nil, ErrProtocol.WithDetailsf("%s: result code %s", expectedType, code)
	}
	return &res, nil
}
