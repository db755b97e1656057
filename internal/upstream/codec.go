package upstream

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/koltyakov/backhaul/internal/envelope"
	"github.com/koltyakov/backhaul/internal/hubproto"
)

var errUndecodable = errors.New("undecodable upstream frame")

// decode tries each wire form in turn: plain JSON, base64 wrapped JSON, then
// a sealed envelope. The first that yields a valid frame wins.
func (c *Connector) decode(data []byte) (hubproto.Frame, error) {
	if f, err := hubproto.Decode(data); err == nil {
		return f, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data))); err == nil {
		if f, err := hubproto.Decode(raw); err == nil {
			return f, nil
		}
	}
	if env, ok := envelope.Parse(data); ok {
		return c.openEnvelope(env)
	}
	return hubproto.Frame{}, errUndecodable
}

func (c *Connector) openEnvelope(env envelope.Envelope) (hubproto.Frame, error) {
	if c.codec == nil {
		return hubproto.Frame{}, errors.New("sealed frame without a configured secret")
	}
	plain, err := c.codec.Open(env)
	if err != nil {
		return hubproto.Frame{}, err
	}
	return hubproto.Decode(plain)
}

// encode serializes f, sealing it when a secret is configured. Heartbeats
// and the hello handshake stay plain so the hub can answer them.
func (c *Connector) encode(f hubproto.Frame) ([]byte, error) {
	data, err := hubproto.Encode(f)
	if err != nil {
		return nil, err
	}
	switch f.Kind() {
	case hubproto.KindHeartbeat, hubproto.KindHandshake:
		return data, nil
	}
	if c.codec == nil {
		return data, nil
	}
	return c.codec.Marshal(data)
}
