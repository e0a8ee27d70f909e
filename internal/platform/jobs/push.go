package jobs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// PushEnvelope is the body Pub/Sub push subscriptions POST to an endpoint.
type PushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePushEnvelope reads a push request body and returns the decoded message data.
func DecodePushEnvelope(body io.Reader) (PushEnvelope, []byte, error) {
	var envelope PushEnvelope
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return envelope, nil, fmt.Errorf("%w: decode push envelope: %v", ErrMalformedNotification, err)
	}
	if envelope.Message.Data == "" {
		return envelope, nil, fmt.Errorf("%w: push message has no data", ErrMalformedNotification)
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return envelope, nil, fmt.Errorf("%w: push data is not base64: %v", ErrMalformedNotification, err)
	}
	return envelope, data, nil
}
