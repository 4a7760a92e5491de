// Package events triggers relay runs from wakeup events.
//
// A wakeup arrives either pushed over HTTP or as a message on a dedicated
// wakeup queue. Its payload optionally carries {"timeout": seconds}; the
// envelope around it depends on the delivery channel.
package events

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedEnvelope is returned when a wakeup cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed wakeup envelope")

// pushEnvelope is a Pub/Sub push body or the data of a CloudEvent carrying one.
type pushEnvelope struct {
	Message *struct {
		Data *string `json:"data"`
	} `json:"message"`
	Data json.RawMessage `json:"data"`
}

// snsNotification is the body SNS delivers to queue and HTTP subscribers.
type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type wakeupPayload struct {
	Timeout *float64 `json:"timeout"`
}

// DecodeWakeup extracts the relay timeout from a wakeup body. It accepts a
// Pub/Sub push envelope ({"message":{"data":"<base64>"}}), the same envelope
// nested under a CloudEvent "data" field, an SNS notification, or the bare
// payload. A payload without a timeout yields defaultTimeout.
func DecodeWakeup(body []byte, defaultTimeout time.Duration) (time.Duration, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return defaultTimeout, nil
	}

	payload, err := unwrap(body, 0)
	if err != nil {
		return 0, err
	}
	return parsePayload(payload, defaultTimeout)
}

// unwrap peels delivery envelopes until the wakeup payload remains.
func unwrap(body []byte, depth int) ([]byte, error) {
	if depth > 2 {
		return nil, fmt.Errorf("%w: envelope nested too deeply", ErrMalformedEnvelope)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var notification snsNotification
	if _, ok := probe["Type"]; ok {
		if err := json.Unmarshal(body, &notification); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if notification.Type != "Notification" {
			return nil, fmt.Errorf("%w: unsupported SNS message type %q", ErrMalformedEnvelope, notification.Type)
		}
		return []byte(notification.Message), nil
	}

	_, hasMessage := probe["message"]
	_, hasData := probe["data"]
	if !hasMessage && !hasData {
		return body, nil
	}

	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Message != nil {
		if envelope.Message.Data == nil {
			return []byte{}, nil
		}
		decoded, err := base64.StdEncoding.DecodeString(*envelope.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: message data is not base64: %v", ErrMalformedEnvelope, err)
		}
		return decoded, nil
	}
	return unwrap(envelope.Data, depth+1)
}

func parsePayload(payload []byte, defaultTimeout time.Duration) (time.Duration, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return defaultTimeout, nil
	}

	var p wakeupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	if p.Timeout == nil {
		return defaultTimeout, nil
	}
	return SecondsToDuration(*p.Timeout)
}

// SecondsToDuration converts a caller-supplied timeout in seconds.
func SecondsToDuration(seconds float64) (time.Duration, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("%w: timeout %v out of range", ErrMalformedEnvelope, seconds)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
